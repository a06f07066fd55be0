package updatefsm

import (
	"context"
	"fmt"
	"time"

	"cecupdate.dev/activation"
	"cecupdate.dev/cec"
	"cecupdate.dev/image"
)

// Flavor selects which concrete flow a Context is driven by.
type Flavor int

const (
	FlavorAP Flavor = iota
	FlavorBMC
)

// Result is a run's terminal outcome.
type Result int

const (
	ResultInProgress Result = iota
	ResultSucceeded
	ResultFailed
)

// EventKind identifies which external source woke a suspended machine.
type EventKind int

const (
	EventNone EventKind = iota
	EventHelperDone
	EventTimerFired
	EventGPIOEdge
)

// Event is delivered to Resume by the daemon's event loop.
type Event struct {
	Kind         EventKind
	HelperResult string // "done", "failed", or "dependency"
}

// ProgressSink receives progress checkpoints as a run advances. It is the
// narrow capability the state machine uses instead of a back-pointer to
// the owning manager.
type ProgressSink interface {
	Report(percent int)
}

// JobScheduler spawns the external copy-helper unit and arms the
// completion timer the COPY and SEND_COPY_COMPLETE states wait on. It is
// the second narrow capability replacing a manager back-pointer.
type JobScheduler interface {
	// Schedule starts the named helper unit; completion is delivered
	// later as an EventHelperDone Event via Resume.
	Schedule(unitName string) error
	// ArmTimer schedules an EventTimerFired Event after d, returning a
	// cancel function. Calling cancel after the timer already fired is
	// a no-op.
	ArmTimer(d time.Duration) (cancel func())
}

// maxPollRearms bounds how many times POLL re-arms its short timer
// before it fails the run, per the CopyBlock/Poll retry budget.
const maxPollRearms = 20

// Context is the per-run scratch shared by every state function. It is
// mutated only by the driving Machine and is discarded once the run
// reaches TERMINATE.
type Context struct {
	Ctx        context.Context
	Descriptor *image.Descriptor
	Flavor     Flavor

	CEC  *cec.Commands
	Sink ProgressSink
	Sched JobScheduler
	Inventory activation.Inventory

	HelperUnit string
	PollCount  int

	Result     Result
	Diagnostic string

	cancelTimer func()
	event       Event
}

// fail marks the run failed with a diagnostic message; the caller is
// still responsible for transitioning to TERMINATE.
func (rc *Context) fail(format string, args ...any) {
	rc.Result = ResultFailed
	rc.Diagnostic = fmt.Sprintf(format, args...)
}

func (rc *Context) succeed() {
	rc.Result = ResultSucceeded
}

// cancelArmedTimer cancels any timer armed by a previous suspension.
func (rc *Context) cancelArmedTimer() {
	if rc.cancelTimer != nil {
		rc.cancelTimer()
		rc.cancelTimer = nil
	}
}
