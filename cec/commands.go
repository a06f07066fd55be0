package cec

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"cecupdate.dev/transport"
)

// Sleeper abstracts time.Sleep so tests can run the mandatory post-command
// waits without burning wall-clock time.
type Sleeper func(time.Duration)

// Commands wraps a transport.Device with the CEC's sleep and polling
// discipline. The zero value is not usable; construct with New.
type Commands struct {
	dev   transport.Device
	sleep Sleeper
}

// New wraps dev for CEC command use. If sleep is nil, time.Sleep is used.
func New(dev transport.Device, sleep Sleeper) *Commands {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Commands{dev: dev, sleep: sleep}
}

func (c *Commands) send(ctx context.Context, cmd byte, payload []byte) error {
	pkt := buildPacket(cmd, payload)
	return c.dev.WriteRaw(ctx, RegCommand, pkt)
}

func (c *Commands) readStatus(ctx context.Context, reg uint16, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.dev.ReadRaw(ctx, reg, buf); err != nil {
		return nil, err
	}
	if err := verifyRead(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// GetCECState issues the status read used to probe the CEC before and
// during an update.
func (c *Commands) GetCECState(ctx context.Context) (CECState, error) {
	buf, err := c.readStatus(ctx, RegStatus, 4)
	if err != nil {
		return 0, err
	}
	return CECState(buf[3]), nil
}

// GetLastCmdStatus reads the status register's command-status byte (the
// same statusBit2 field GetCECState decodes), the follow-up poll after
// StartFWUpdate, CopyBlock, and BootComplete.
func (c *Commands) GetLastCmdStatus(ctx context.Context) (CECState, error) {
	return c.GetCECState(ctx)
}

// GetFWUpdateStatus reads the progress/status register used by the POLL
// state.
func (c *Commands) GetFWUpdateStatus(ctx context.Context) (progress byte, status FWUpdateStatus, err error) {
	buf, err := c.readStatus(ctx, RegUpdate, 3)
	if err != nil {
		return 0, 0, err
	}
	return buf[1], FWUpdateStatus(buf[2]), nil
}

// QueryInterrupt reads the interrupt register, used both by the state
// machine's post-POLL reboot check and by the reboot-guard supervisor's
// GPIO handler.
func (c *Commands) QueryInterrupt(ctx context.Context) (InterruptStatus, error) {
	buf, err := c.readStatus(ctx, RegInterrupt, 2)
	if err != nil {
		return 0, err
	}
	return InterruptStatus(buf[1]), nil
}

// GetVersion reads the CEC firmware version register.
func (c *Commands) GetVersion(ctx context.Context) (major, minor byte, err error) {
	buf, err := c.readStatus(ctx, RegVersion, 3)
	if err != nil {
		return 0, 0, err
	}
	return buf[1], buf[2], nil
}

// StartFWUpdate begins an update for the given firmware id and image
// size, then waits the mandatory post-command period and polls once.
// size is encoded LE32 on the wire, per the register layout this
// library targets.
func (c *Commands) StartFWUpdate(ctx context.Context, fwID byte, size uint32) error {
	payload := make([]byte, 0, 6)
	payload = append(payload, fwID, FWClassDefault)
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], size)
	payload = append(payload, sizeBuf[:]...)

	if err := c.send(ctx, cmdStartFWUpdate, payload); err != nil {
		return err
	}
	c.sleep(100 * time.Millisecond)
	return c.pollOnce(ctx)
}

// CopyBlock writes one image chunk. last marks the final block of the
// transfer, which gets a longer post-command quiescence period before
// polling, per invariant 4. ERR_BUSY is treated as success so the caller
// keeps streaming; any other non-SUCCESS status fails the run.
func (c *Commands) CopyBlock(ctx context.Context, block []byte, last bool) error {
	if err := c.send(ctx, cmdCopyBlock, block); err != nil {
		return err
	}
	if last {
		c.sleep(3 * time.Second)
	} else {
		c.sleep(100 * time.Millisecond)
	}
	status, err := c.GetLastCmdStatus(ctx)
	if err != nil {
		return err
	}
	if status != StateSuccess && status != StateBusy {
		return fmt.Errorf("cec: CopyBlock: %s", status)
	}
	return nil
}

// CopyImageComplete signals that an externally-copied image transfer has
// finished. It shares CopyBlock's wire command but carries no payload.
func (c *Commands) CopyImageComplete(ctx context.Context) error {
	return c.send(ctx, cmdCopyImgComplete, nil)
}

// BootComplete reports that the BMC has finished booting the new image.
func (c *Commands) BootComplete(ctx context.Context, fwClass, fwID, fwImage byte) error {
	if err := c.send(ctx, cmdBootComplete, []byte{fwClass, fwID, fwImage}); err != nil {
		return err
	}
	c.sleep(100 * time.Millisecond)
	return c.pollOnce(ctx)
}

// BMCReset asks the CEC to reset the BMC. It is fire-and-forget: no
// post-command sleep or poll.
func (c *Commands) BMCReset(ctx context.Context) error {
	return c.send(ctx, cmdBMCReset, nil)
}

// pollOnce polls GetLastCmdStatus and fails the caller on any non-SUCCESS
// status, per the command table's non-retrying commands.
func (c *Commands) pollOnce(ctx context.Context) error {
	status, err := c.GetLastCmdStatus(ctx)
	if err != nil {
		return err
	}
	if status != StateSuccess {
		return fmt.Errorf("cec: command failed: %s", status)
	}
	return nil
}

// Attestation issues the Attestation command with the given block size
// code and nonce, then polls GetLastCmdStatus with up to 10 retries at
// 1s intervals while the CEC reports ERR_BUSY.
func (c *Commands) Attestation(ctx context.Context, blockSize int, nonce [32]byte) error {
	code, ok := blockSizeCode[blockSize]
	if !ok {
		return fmt.Errorf("cec: Attestation: unsupported block size %d", blockSize)
	}
	payload := make([]byte, 0, 2+len(nonce))
	payload = append(payload, code, 0)
	payload = append(payload, nonce[:]...)

	if err := c.send(ctx, cmdAttestation, payload); err != nil {
		return err
	}
	c.sleep(5 * time.Millisecond)

	const maxRetries = 10
	for attempt := 0; ; attempt++ {
		status, err := c.GetLastCmdStatus(ctx)
		if err != nil {
			return err
		}
		if status == StateSuccess {
			return nil
		}
		if status != StateBusy || attempt >= maxRetries {
			return fmt.Errorf("cec: Attestation: %s", status)
		}
		c.sleep(time.Second)
	}
}

// ReadChallenge reads one chunk of the attestation challenge register.
// The chunk's leading checksum byte is validated and returned along with
// the rest of the chunk.
func (c *Commands) ReadChallenge(ctx context.Context, chunkSize int) ([]byte, error) {
	return c.readStatus(ctx, RegChallenge, chunkSize)
}
