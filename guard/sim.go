package guard

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

// SimPin is an in-memory Pin fake for tests: WaitForEdge reports Edges
// queued falling edges in order, then reports none until more are queued.
type SimPin struct {
	Edges int
}

func (p *SimPin) In(pull gpio.Pull, edge gpio.Edge) error { return nil }

func (p *SimPin) WaitForEdge(timeout time.Duration) bool {
	if p.Edges > 0 {
		p.Edges--
		return true
	}
	return false
}

var _ Pin = (*SimPin)(nil)
