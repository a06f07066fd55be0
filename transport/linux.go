//go:build linux

package transport

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// ioctl request codes and message flags from linux/i2c.h and linux/i2c-dev.h.
const (
	i2cRDWR  = 0x0707
	i2cMRD   = 0x0001
	maxOpsPerSec = 200
)

// i2cMsg mirrors struct i2c_msg.
type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	pad   uint16
	buf   uintptr
}

// i2cRdwrData mirrors struct i2c_rdwr_ioctl_data.
type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// Bus is a Linux /dev/i2c-N character device opened against a single
// 7-bit device address.
type Bus struct {
	mu      sync.Mutex
	fd      int
	path    string
	addr    uint8
	limiter *rate.Limiter
	closed  bool
}

var _ Device = (*Bus)(nil)

// Open opens /dev/i2c-<busID> for transactions against addr.
func Open(busID int, addr uint8) (*Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", busID)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, &BusOpenError{Path: path, Err: err}
	}
	return &Bus{
		fd:      fd,
		path:    path,
		addr:    addr,
		limiter: rate.NewLimiter(rate.Limit(maxOpsPerSec), 1),
	}, nil
}

// Close releases the underlying file descriptor. Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.fd)
}

// ReadRaw writes the register selector then performs a repeated-start
// read of len(out) bytes via a single combined I2C_RDWR ioctl.
func (b *Bus) ReadRaw(ctx context.Context, reg uint16, out []byte) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotOpen
	}

	sel := [2]byte{byte(reg >> 8), byte(reg)}
	msgs := [2]i2cMsg{
		{addr: uint16(b.addr), flags: 0, len: uint16(len(sel)), buf: uintptr(unsafe.Pointer(&sel[0]))},
		{addr: uint16(b.addr), flags: i2cMRD, len: uint16(len(out)), buf: uintptr(unsafe.Pointer(&out[0]))},
	}
	return b.transfer(msgs[:])
}

// WriteRaw sends the 16-bit register selector followed by payload in a
// single I2C message.
func (b *Bus) WriteRaw(ctx context.Context, reg uint16, payload []byte) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotOpen
	}

	buf := make([]byte, 2+len(payload))
	buf[0] = byte(reg >> 8)
	buf[1] = byte(reg)
	copy(buf[2:], payload)

	msgs := [1]i2cMsg{
		{addr: uint16(b.addr), flags: 0, len: uint16(len(buf)), buf: uintptr(unsafe.Pointer(&buf[0]))},
	}
	return b.transfer(msgs[:])
}

func (b *Bus) transfer(msgs []i2cMsg) error {
	data := i2cRdwrData{
		msgs:  uintptr(unsafe.Pointer(&msgs[0])),
		nmsgs: uint32(len(msgs)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(i2cRDWR), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return &IoctlError{Path: b.path, Addr: b.addr, Err: errno}
	}
	return nil
}

func (b *Bus) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}
