// Package updatefsm implements the generic state-dispatch engine used to
// drive a firmware update, plus the two concrete flows (AP/CEC and BMC)
// built on top of it.
//
// The engine is a direct re-expression of the original controller's
// stateFlowSequence design: a state is an index into a table of state functions, a
// trampoline runs while a transition keeps firing, and bounds on the next
// state are enforced. Where the original drove the table with blocking
// device calls, this engine suspends instead: a state function that must
// wait for an externally delivered event returns fire=false and records
// what it's waiting for; Resume re-enters the same function with the
// event attached once it arrives.
package updatefsm

import "fmt"

// State indexes into a Machine's state table. The same numbering is
// shared by both concrete flows; a flow that has no use for a given
// state (apFlow has no SendCopyComplete) simply never transitions into
// it.
type State int

const (
	StateIdle State = iota
	StateProbe
	StateStart
	StateCopy
	StateSendCopyComplete
	StatePoll
	StateTerminate

	numStates
)

func (s State) String() string {
	names := [...]string{"IDLE", "PROBE", "START", "COPY", "SEND_COPY_COMPLETE", "POLL", "TERMINATE"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateFunc runs one state's logic against the shared Context. It
// returns the next state and whether the transition fires immediately;
// fire=false suspends the machine until Resume is called with a matching
// event.
type StateFunc func(rc *Context) Transition

// Transition is a state function's verdict.
type Transition struct {
	Next State
	Fire bool
}

// fire builds a Transition that advances immediately.
func fire(next State) Transition { return Transition{Next: next, Fire: true} }

// suspend builds a Transition that waits for an external event.
func suspend() Transition { return Transition{Fire: false} }

// Machine drives one Context through a table of StateFuncs.
type Machine struct {
	states  []StateFunc
	current State
	rc      *Context
}

// NewMachine builds a machine over states, starting at StateIdle and
// driving rc.
func NewMachine(states []StateFunc, rc *Context) *Machine {
	return &Machine{states: states, current: StateIdle, rc: rc}
}

// Current returns the state the machine is presently in (or suspended at).
func (m *Machine) Current() State { return m.current }

// Context returns the machine's shared run context.
func (m *Machine) Context() *Context { return m.rc }

// Trigger starts the machine running from StateIdle.
func (m *Machine) Trigger() error {
	return m.run()
}

// Resume re-enters the current (suspended) state with ev attached to the
// context, continuing the trampoline until the machine either reaches
// TERMINATE or suspends again.
func (m *Machine) Resume(ev Event) error {
	m.rc.event = ev
	return m.run()
}

// run is the trampoline: it loops while the last state function fired a
// transition, and stops when one suspends or the machine reaches
// TERMINATE.
func (m *Machine) run() error {
	for {
		if int(m.current) < 0 || int(m.current) >= len(m.states) {
			return fmt.Errorf("updatefsm: state %d out of range", m.current)
		}
		fn := m.states[m.current]
		if fn == nil {
			return fmt.Errorf("updatefsm: no state function for %s", m.current)
		}
		t := fn(m.rc)
		m.rc.event = Event{}
		if !t.Fire {
			return nil
		}
		if int(t.Next) < 0 || int(t.Next) >= len(m.states) {
			return fmt.Errorf("updatefsm: transition to out-of-range state %d", t.Next)
		}
		m.current = t.Next
	}
}
