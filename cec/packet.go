package cec

import (
	"encoding/binary"
	"fmt"
)

// ErrChecksumMismatch is returned when an accepted read packet's checksum
// byte doesn't match the sum of the bytes that follow it.
var ErrChecksumMismatch = fmt.Errorf("cec: checksum mismatch")

// buildPacket assembles a write packet: checksum, header, command, and
// payload. The checksum field is zeroed during construction, then
// overwritten with the sum of every byte after it, per invariant 1.
func buildPacket(cmd byte, payload []byte) []byte {
	// The register selector's MSB/LSB are prepended separately by the
	// transport; this buffer starts at the checksum.
	pkt := make([]byte, 0, 7+len(payload))
	pkt = append(pkt, 0) // checksum placeholder
	pkt = append(pkt, headerVerMajor, headerVerMinor)
	pkt = append(pkt, cmd)
	pkt = append(pkt, 0) // reserved
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	// len is transmitted most-significant byte first per the command
	// table's len4,len3,len2,len1 ordering.
	pkt = append(pkt, lenBuf[3], lenBuf[2], lenBuf[1], lenBuf[0])
	pkt = append(pkt, payload...)

	sum := checksum(pkt[1:])
	pkt[0] = sum
	return pkt
}

// checksum returns the sum of b mod 256.
func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// verifyRead validates a read packet's leading checksum byte against the
// sum of the remainder, per invariant 2.
func verifyRead(pkt []byte) error {
	if len(pkt) == 0 {
		return ErrChecksumMismatch
	}
	want := checksum(pkt[1:])
	if pkt[readChecksumOffset] != want {
		return ErrChecksumMismatch
	}
	return nil
}
