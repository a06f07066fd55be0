//go:build linux

package guard

import (
	"fmt"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// OpenInterruptPin initializes the periph host drivers and looks up the
// named GPIO pin wired to the CEC interrupt line.
func OpenInterruptPin(name string) (Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("guard: host.Init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("guard: unknown pin %q", name)
	}
	return pin, nil
}
