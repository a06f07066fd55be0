package transport

import (
	"context"
	"sync"
)

// Sim is an in-memory Device used by tests and non-Linux development,
// mirroring the teacher's simulated-device-over-pipe pattern for testing
// a framed protocol without real hardware.
type Sim struct {
	mu     sync.Mutex
	closed bool

	// Registers holds canned read responses keyed by register selector.
	// ReadRaw pops the front entry for reg; a short queue means "respond
	// once per call, in order".
	Registers map[uint16][][]byte

	// Writes records every WriteRaw call in order, for assertions.
	Writes []SimWrite

	// WriteErr, if set, is returned by every WriteRaw call.
	WriteErr error
	// ReadErr, if set, is returned by every ReadRaw call.
	ReadErr error
}

// SimWrite captures one WriteRaw invocation.
type SimWrite struct {
	Reg     uint16
	Payload []byte
}

var _ Device = (*Sim)(nil)

// NewSim returns an empty simulated device.
func NewSim() *Sim {
	return &Sim{Registers: make(map[uint16][][]byte)}
}

// Queue appends a canned response for reg, returned by the next ReadRaw
// call against that register.
func (s *Sim) Queue(reg uint16, resp []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Registers[reg] = append(s.Registers[reg], resp)
}

func (s *Sim) ReadRaw(ctx context.Context, reg uint16, out []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotOpen
	}
	if s.ReadErr != nil {
		return s.ReadErr
	}
	queue := s.Registers[reg]
	if len(queue) == 0 {
		return &IoctlError{Path: "sim", Addr: 0, Err: context.DeadlineExceeded}
	}
	resp := queue[0]
	s.Registers[reg] = queue[1:]
	n := copy(out, resp)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return nil
}

func (s *Sim) WriteRaw(ctx context.Context, reg uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotOpen
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.Writes = append(s.Writes, SimWrite{Reg: reg, Payload: cp})
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
