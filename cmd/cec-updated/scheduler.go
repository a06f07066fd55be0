package main

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"cecupdate.dev/sysunit"
	"cecupdate.dev/updatefsm"
)

// helperScheduler is the production updatefsm.JobScheduler: it spawns
// the copy-helper CLI as a systemd transient unit and delivers armed
// timers back to the daemon's single event loop rather than firing
// Manager.Advance directly from a timer goroutine, preserving the
// cooperative single-threaded driving model.
type helperScheduler struct {
	bus        *sysunit.Bus
	helperBin  string
	timerFired chan<- updatefsm.Event

	mu          sync.Mutex
	pendingPath string
	pendingSize uint32
}

func newHelperScheduler(bus *sysunit.Bus, helperBin string, timerFired chan<- updatefsm.Event) *helperScheduler {
	return &helperScheduler{bus: bus, helperBin: helperBin, timerFired: timerFired}
}

// setPending records the image about to be submitted, so the next
// Schedule call (there is at most one run in flight) knows what to pass
// the copy helper.
func (s *helperScheduler) setPending(path string, size uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPath, s.pendingSize = path, size
}

func (s *helperScheduler) Schedule(unitName string) error {
	s.mu.Lock()
	path, size := s.pendingPath, s.pendingSize
	s.mu.Unlock()
	argv := []string{s.helperBin, "-f", path, "-s", strconv.FormatUint(uint64(size), 10)}
	if err := s.bus.StartTransientUnit(unitName, argv); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

func (s *helperScheduler) ArmTimer(d time.Duration) func() {
	timer := time.AfterFunc(d, func() {
		select {
		case s.timerFired <- updatefsm.Event{Kind: updatefsm.EventTimerFired}:
		default:
		}
	})
	return func() { timer.Stop() }
}
