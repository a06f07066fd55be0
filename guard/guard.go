// Package guard implements the reboot-guard supervisor: a periodic and
// GPIO-edge-triggered process that cross-references the firmware
// inventory against live CEC state to keep the host reboot guard
// asserted for exactly as long as some managed object could still be
// mid-update, and maps the CEC interrupt line to a host reboot decision.
//
// The supervisor's schedule is independent of any in-flight
// manager.Manager run, keyed only on inventory activation state, per the
// GPIO-edge and tick handler pattern in driver/wshat/wshat.go
// generalized from button debounce to a single falling-edge interrupt
// line. Its actual CEC probes are not independent: they share the bus
// with the manager and must run on the same goroutine.
package guard

import (
	"context"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"

	"cecupdate.dev/activation"
	"cecupdate.dev/cec"
)

// TickInterval is the default period between inventory sweeps.
const TickInterval = 60 * time.Second

// Bus is the reboot-guard assert/release and host-reboot capability the
// supervisor needs from systemd.
type Bus interface {
	EnableRebootGuard() error
	DisableRebootGuard() error
	RebootHost() error
}

// Pin is the narrow GPIO capability the supervisor needs: configure the
// interrupt edge and wait for it. A real periph.io pin (gpio.PinIO)
// satisfies this without modification.
type Pin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	WaitForEdge(timeout time.Duration) bool
}

// Supervisor is the reboot-guard supervisor. The zero value is not
// usable; construct with New.
//
// Run only arms the background timer and GPIO-edge watchers; it does
// not itself call into the CEC. Every I²C transaction the supervisor
// needs happens in Tick or HandleEdge, which the caller must invoke
// from the same single goroutine that drives the rest of the update
// manager's CEC traffic, reading TickDue/EdgeDue alongside its other
// event sources. This keeps at most one I²C transaction in flight
// across the whole process without an additional bus-wide lock.
type Supervisor struct {
	cec       *cec.Commands
	bus       Bus
	inventory activation.Inventory
	pin       Pin
	interval  time.Duration

	timer    *time.Timer
	tickDue  chan struct{}
	edgeDue  chan struct{}
	timerCmd chan bool // true: rearm, false: stop; consumed only by timerLoop

	// InterruptSeen is flipped on every GPIO edge, observable by callers
	// that want to surface it (e.g. a status endpoint), per spec.
	InterruptSeen bool
}

// New builds a Supervisor. pin may be nil, in which case GPIO-edge
// handling is disabled and only the tick loop runs.
func New(cecCmds *cec.Commands, bus Bus, inventory activation.Inventory, pin Pin) *Supervisor {
	return &Supervisor{
		cec:       cecCmds,
		bus:       bus,
		inventory: inventory,
		pin:       pin,
		interval:  TickInterval,
		tickDue:   make(chan struct{}, 1),
		edgeDue:   make(chan struct{}, 1),
		timerCmd:  make(chan bool, 1),
	}
}

// TickDue fires whenever a sweep is due; the caller's event loop should
// call Tick in response.
func (s *Supervisor) TickDue() <-chan struct{} { return s.tickDue }

// EdgeDue fires on every GPIO falling edge; the caller's event loop
// should call HandleEdge in response.
func (s *Supervisor) EdgeDue() <-chan struct{} { return s.edgeDue }

// Run configures the interrupt pin, if any, and starts the background
// goroutines that feed TickDue and EdgeDue. It does not block and never
// touches the CEC itself.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.pin != nil {
		if err := s.pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			return err
		}
		go s.edgeLoop(ctx)
	}

	s.timer = time.NewTimer(s.interval)
	go s.timerLoop(ctx)
	return nil
}

// timerLoop owns s.timer exclusively: it is the only goroutine that
// reads s.timer.C or calls Stop/Reset on it, so Tick's rearm/stop calls
// (made from the caller's event-loop goroutine) go through timerCmd
// instead of touching the timer directly.
func (s *Supervisor) timerLoop(ctx context.Context) {
	defer s.timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.timer.C:
			select {
			case s.tickDue <- struct{}{}:
			default:
			}
		case rearm := <-s.timerCmd:
			if rearm {
				if !s.timer.Stop() {
					select {
					case <-s.timer.C:
					default:
					}
				}
				s.timer.Reset(s.interval)
			} else {
				s.timer.Stop()
			}
		}
	}
}

func (s *Supervisor) edgeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.pin.WaitForEdge(time.Second) {
			continue
		}
		select {
		case s.edgeDue <- struct{}{}:
		default:
		}
	}
}

// Tick enumerates managed objects, probes CEC state for every
// non-running {Active, Staged} object, and asserts or releases the
// reboot guard according to whether any probe reports BUSY. It then
// re-arms its own timer if any object remains in {Ready, Activating,
// Active, Staged}, or stops the timer and releases the guard again if
// not.
func (s *Supervisor) Tick(ctx context.Context) error {
	objs := s.inventory.Objects()

	busy := false
	watched := false
	for _, obj := range objs {
		if obj.Running {
			continue
		}
		switch obj.State {
		case activation.Active, activation.Staged:
			state, err := s.cec.GetCECState(ctx)
			if err != nil {
				return err
			}
			if state == cec.StateBusy {
				busy = true
			}
		}
		switch obj.State {
		case activation.Ready, activation.Activating, activation.Active, activation.Staged:
			watched = true
		}
	}

	if busy {
		if err := s.bus.EnableRebootGuard(); err != nil {
			return err
		}
	} else if err := s.bus.DisableRebootGuard(); err != nil {
		return err
	}

	if watched {
		s.rearm()
		return nil
	}
	s.stop()
	return s.bus.DisableRebootGuard()
}

func (s *Supervisor) rearm() {
	select {
	case s.timerCmd <- true:
	default:
	}
}

func (s *Supervisor) stop() {
	select {
	case s.timerCmd <- false:
	default:
	}
}

// HandleEdge is the GPIO falling-edge handler: it flips InterruptSeen,
// then queries the interrupt reason and acts on it. FAIL is logged only;
// RESET_NOW reboots the host immediately; RESET_LATER is a no-op here,
// deferred to the ordinary update flow's own post-POLL interrupt check.
func (s *Supervisor) HandleEdge(ctx context.Context) {
	s.InterruptSeen = true

	status, err := s.cec.QueryInterrupt(ctx)
	if err != nil {
		log.Printf("guard: QueryInterrupt: %v", err)
		return
	}
	switch status {
	case cec.InterruptFail:
		log.Printf("guard: CEC interrupt: %s", status)
	case cec.InterruptResetNow:
		if err := s.bus.RebootHost(); err != nil {
			log.Printf("guard: RebootHost: %v", err)
		}
	case cec.InterruptResetLater:
	}
}
