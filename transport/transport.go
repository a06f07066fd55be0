// Package transport implements the framed I²C request/response link to the
// CEC. It knows nothing about CEC commands or checksums — it only performs
// combined write-then-repeated-start-read transactions against a Linux
// /dev/i2c-N character device, the way the kernel's I2C_RDWR ioctl expects.
package transport

import (
	"context"
	"fmt"
)

// Device is the framed I²C transport contract. A real implementation talks
// to a Linux /dev/i2c-N bus; Sim (sim.go) is an in-memory stand-in for tests.
type Device interface {
	// ReadRaw writes a 16-bit big-endian register selector, then reads
	// len(out) bytes with a repeated start, filling out in place.
	ReadRaw(ctx context.Context, reg uint16, out []byte) error
	// WriteRaw sends a single message whose first two bytes are the
	// 16-bit big-endian register selector, followed by payload.
	WriteRaw(ctx context.Context, reg uint16, payload []byte) error
	Close() error
}

// BusOpenError reports failure to open the bus device node.
type BusOpenError struct {
	Path string
	Err  error
}

func (e *BusOpenError) Error() string {
	return fmt.Sprintf("transport: open %s: %v", e.Path, e.Err)
}

func (e *BusOpenError) Unwrap() error { return e.Err }

// IoctlError reports a failed I2C_RDWR ioctl.
type IoctlError struct {
	Path string
	Addr uint8
	Err  error
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("transport: %s addr 0x%02x: ioctl I2C_RDWR: %v", e.Path, e.Addr, e.Err)
}

func (e *IoctlError) Unwrap() error { return e.Err }

// ErrNotOpen is returned by operations on a Device that has been closed.
var ErrNotOpen = fmt.Errorf("transport: device not open")

// ErrAlreadyOpen reports a bus path that is already in use by this
// process. Open does not track open paths and never returns it.
var ErrAlreadyOpen = fmt.Errorf("transport: device already open")
