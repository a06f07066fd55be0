// Package image describes a firmware image submitted for update: its
// path, size, target (BMC or AP/CEC), and — for ROM-wrapped inputs — the
// embedded OTA header that carries its logical size.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cecupdate.dev/cec"
)

// Kind identifies which firmware the image targets.
type Kind int

const (
	KindBMC Kind = iota
	KindAP
)

func (k Kind) String() string {
	if k == KindAP {
		return "AP"
	}
	return "BMC"
}

// FWID returns the CEC firmware-id byte for the image's target.
func (k Kind) FWID() byte {
	if k == KindAP {
		return cec.FWIDCec
	}
	return cec.FWIDBmc
}

// Format is the on-disk container: a raw flat binary, or a ROM-wrapped
// image carrying an embedded OTA header.
type Format int

const (
	FormatRaw Format = iota
	FormatROM
)

var (
	// ErrMissing is returned when the image path does not exist or is
	// unreadable.
	ErrMissing = errors.New("image: missing or unreadable")
	// ErrTooSmall is returned when a ROM-wrapped image is smaller than
	// its own header offset plus header size.
	ErrTooSmall = errors.New("image: too small")
	// ErrBadExtension is returned for a file extension other than
	// ".bin" or ".rom".
	ErrBadExtension = errors.New("image: unrecognized extension")
	// ErrBadHeader is returned when the OTA header cannot be read in
	// full.
	ErrBadHeader = errors.New("image: bad OTA header")
)

// Descriptor describes a submitted image and, for ROM-wrapped inputs,
// its embedded OTA header.
type Descriptor struct {
	Path string
	Size int64
	Kind Kind
	Format Format

	// HeaderOffset and LogicalSize are populated only for FormatROM.
	HeaderOffset int64
	LogicalSize  uint32
}

// Load stats and, for ROM-wrapped images, parses the OTA header of the
// file at path. kind identifies the firmware target; it is not derivable
// from the file itself.
func Load(path string, kind Kind) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissing, path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissing, path, err)
	}

	desc := &Descriptor{Path: path, Size: fi.Size(), Kind: kind}

	switch filepath.Ext(path) {
	case ".bin":
		desc.Format = FormatRaw
		return desc, nil
	case ".rom":
		desc.Format = FormatROM
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadExtension, path)
	}

	offset := headerOffset(desc.Size)
	if desc.Size < offset+cec.OTAHeaderSize {
		return nil, fmt.Errorf("%w: %s", ErrTooSmall, path)
	}

	header := make([]byte, cec.OTAHeaderSize)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadHeader, path, err)
	}
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadHeader, path, err)
	}

	logical := binary.LittleEndian.Uint32(header[0xE8:0xEC])
	desc.HeaderOffset = offset
	desc.LogicalSize = uint32(cec.OTAHeaderSize) + logical
	return desc, nil
}

// headerOffset selects the embedded OTA header offset by total image
// size: sizes at or below 1 MiB use the 1 MiB offset, larger images use
// the 2 MiB offset.
func headerOffset(size int64) int64 {
	if size <= cec.MBSize {
		return cec.OTAHeaderOffset1MB
	}
	return cec.OTAHeaderOffset2MB
}
