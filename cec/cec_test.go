package cec

import (
	"context"
	"testing"
	"time"

	"cecupdate.dev/transport"
)

func noSleep(time.Duration) {}

func TestBuildPacketChecksumInvariant(t *testing.T) {
	pkt := buildPacket(cmdStartFWUpdate, []byte{FWIDBmc, FWClassDefault, 0x00, 0x10, 0x00, 0x00})
	if got, want := pkt[0], checksum(pkt[1:]); got != want {
		t.Fatalf("pkt[0] = %#x, want checksum(pkt[1:]) = %#x", got, want)
	}
}

func TestVerifyReadRejectsTamperedChecksum(t *testing.T) {
	pkt := []byte{0x31, 0xAA, 0xBB, 0xCC}
	if err := verifyRead(pkt); err != nil {
		t.Fatalf("verifyRead(untampered) = %v, want nil", err)
	}
	pkt[1] ^= 0x01
	if err := verifyRead(pkt); err != ErrChecksumMismatch {
		t.Fatalf("verifyRead(tampered) = %v, want ErrChecksumMismatch", err)
	}
}

func TestGetCECStateDecodesStatusByte(t *testing.T) {
	dev := transport.NewSim()
	resp := []byte{0, 0, 0, byte(StateBusy)}
	resp[0] = checksum(resp[1:])
	dev.Queue(RegStatus, resp)

	cmds := New(dev, noSleep)
	state, err := cmds.GetCECState(context.Background())
	if err != nil {
		t.Fatalf("GetCECState: %v", err)
	}
	if state != StateBusy {
		t.Errorf("state = %v, want %v", state, StateBusy)
	}
}

func TestCopyBlockTreatsBusyAsSuccess(t *testing.T) {
	dev := transport.NewSim()
	resp := []byte{0, 0, 0, byte(StateBusy)}
	resp[0] = checksum(resp[1:])
	dev.Queue(RegStatus, resp)

	cmds := New(dev, noSleep)
	if err := cmds.CopyBlock(context.Background(), make([]byte, BlockSize), false); err != nil {
		t.Fatalf("CopyBlock with ERR_BUSY status should succeed, got %v", err)
	}
}

func TestCopyBlockFailsOnOtherStatus(t *testing.T) {
	dev := transport.NewSim()
	resp := []byte{0, 0, 0, byte(StateFlashError)}
	resp[0] = checksum(resp[1:])
	dev.Queue(RegStatus, resp)

	cmds := New(dev, noSleep)
	if err := cmds.CopyBlock(context.Background(), make([]byte, BlockSize), true); err == nil {
		t.Fatal("CopyBlock with FLASH_ERROR status should fail")
	}
}

func TestAttestationRetriesWhileBusy(t *testing.T) {
	dev := transport.NewSim()
	busy := []byte{0, 0, 0, byte(StateBusy)}
	busy[0] = checksum(busy[1:])
	ok := []byte{0, 0, 0, byte(StateSuccess)}
	ok[0] = checksum(ok[1:])
	dev.Queue(RegStatus, busy)
	dev.Queue(RegStatus, busy)
	dev.Queue(RegStatus, ok)

	var slept int
	cmds := New(dev, func(time.Duration) { slept++ })
	var nonce [32]byte
	if err := cmds.Attestation(context.Background(), 128, nonce); err != nil {
		t.Fatalf("Attestation: %v", err)
	}
	if slept < 3 {
		t.Errorf("slept %d times, want at least 3 (initial + 2 retries)", slept)
	}
}

func TestAttestationUnsupportedBlockSize(t *testing.T) {
	dev := transport.NewSim()
	cmds := New(dev, noSleep)
	var nonce [32]byte
	if err := cmds.Attestation(context.Background(), 17, nonce); err == nil {
		t.Fatal("expected error for unsupported block size")
	}
}
