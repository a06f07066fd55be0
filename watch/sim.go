package watch

// Sim is an in-memory Watcher fake for tests and non-Linux development.
type Sim struct {
	events chan Event
}

// NewSim returns an empty simulated watcher.
func NewSim() *Sim {
	return &Sim{events: make(chan Event, 16)}
}

// Emit delivers a completed-file event for path.
func (s *Sim) Emit(path string) {
	s.events <- Event{Path: path}
}

func (s *Sim) Events() <-chan Event { return s.events }

func (s *Sim) Close() error {
	close(s.events)
	return nil
}

var _ Watcher = (*Sim)(nil)
