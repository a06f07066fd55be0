// Package manager implements the update entry point: it serializes
// concurrent submissions to at-most-one in-flight update, drives the
// update state machine, and owns the progress file and reboot guard for
// the duration of a run.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cecupdate.dev/activation"
	"cecupdate.dev/cec"
	"cecupdate.dev/image"
	"cecupdate.dev/updatefsm"
)

// Errors rejected submissions carry.
var (
	ErrAlreadyInProgress   = errors.New("manager: update already in progress")
	ErrBmcUpdateInProgress = errors.New("manager: BMC update already activating")
)

// RebootGuard is the narrow capability the manager uses to assert and
// release the host reboot guard around a run.
type RebootGuard interface {
	EnableRebootGuard() error
	DisableRebootGuard() error
}

// Manager serializes updates to at-most-one in-flight run.
type Manager struct {
	cec       *cec.Commands
	sink      updatefsm.ProgressSink
	finalizer interface{ Finalize(succeeded bool, diagnostic string) }
	sched     updatefsm.JobScheduler
	guard     RebootGuard
	inventory activation.Inventory
	unitName  func(path string, size uint32) string

	mu      sync.Mutex
	machine *updatefsm.Machine
}

// New builds a Manager. unitName derives a deterministic copy-helper
// unit name for BMC-flavor runs; sink also must implement Finalize
// (progress.Writer does).
func New(
	cecCmds *cec.Commands,
	sink interface {
		updatefsm.ProgressSink
		Finalize(succeeded bool, diagnostic string)
	},
	sched updatefsm.JobScheduler,
	guard RebootGuard,
	inventory activation.Inventory,
	unitName func(path string, size uint32) string,
) *Manager {
	return &Manager{
		cec:       cecCmds,
		sink:      sink,
		finalizer: sink,
		sched:     sched,
		guard:     guard,
		inventory: inventory,
		unitName:  unitName,
	}
}

// Submit is the update entry point. kind and flavor together describe
// the image target; flavor selects which concrete state-machine flow
// drives the run.
func (m *Manager) Submit(ctx context.Context, path string, kind image.Kind, flavor updatefsm.Flavor) error {
	m.mu.Lock()
	if m.machine != nil {
		m.mu.Unlock()
		return ErrAlreadyInProgress
	}
	m.mu.Unlock()

	m.sink.Report(0)
	if err := m.guard.EnableRebootGuard(); err != nil {
		return fmt.Errorf("manager: assert reboot guard: %w", err)
	}

	desc, err := image.Load(path, kind)
	if err != nil {
		m.guard.DisableRebootGuard()
		return fmt.Errorf("manager: %w", err)
	}

	for _, obj := range m.inventory.Objects() {
		if obj.State == activation.Activating {
			m.guard.DisableRebootGuard()
			return ErrBmcUpdateInProgress
		}
	}

	rc := &updatefsm.Context{
		Ctx:        ctx,
		Descriptor: desc,
		Flavor:     flavor,
		CEC:        m.cec,
		Sink:       m.sink,
		Sched:      m.sched,
		Inventory:  m.inventory,
	}
	if flavor == updatefsm.FlavorBMC {
		size := desc.LogicalSize
		if size == 0 {
			size = uint32(desc.Size)
		}
		rc.HelperUnit = m.unitName(desc.Path, size)
	}

	machine := updatefsm.NewFlow(rc)

	m.mu.Lock()
	m.machine = machine
	m.mu.Unlock()

	if err := machine.Trigger(); err != nil {
		m.finish(rc)
		return fmt.Errorf("manager: %w", err)
	}
	m.maybeFinish(rc, machine)
	return nil
}

// Advance delivers an externally observed event (copy-helper completion,
// a timer, or a GPIO edge) to the in-flight run, if any.
func (m *Manager) Advance(ev updatefsm.Event) error {
	m.mu.Lock()
	machine := m.machine
	m.mu.Unlock()
	if machine == nil {
		return nil
	}
	rc := machine.Context()
	if err := machine.Resume(ev); err != nil {
		m.finish(rc)
		return fmt.Errorf("manager: %w", err)
	}
	m.maybeFinish(rc, machine)
	return nil
}

func (m *Manager) maybeFinish(rc *updatefsm.Context, machine *updatefsm.Machine) {
	if machine.Current() == updatefsm.StateTerminate {
		m.finish(rc)
	}
}

// finish converts the context's terminal status into a single Activation
// transition and a single final progress record, then drops the context.
func (m *Manager) finish(rc *updatefsm.Context) {
	succeeded := rc.Result == updatefsm.ResultSucceeded
	state := activation.Failed
	if succeeded {
		state = activation.Active
	}
	if rc.Descriptor != nil {
		_ = m.inventory.SetState(rc.Descriptor.Path, state)
	}
	m.finalizer.Finalize(succeeded, rc.Diagnostic)
	if err := m.guard.DisableRebootGuard(); err != nil {
		// Diagnostic only: the run itself already completed.
		rc.Diagnostic += fmt.Sprintf("; release reboot guard: %v", err)
	}

	m.mu.Lock()
	m.machine = nil
	m.mu.Unlock()
}

// InProgress reports whether a run is currently live.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine != nil
}
