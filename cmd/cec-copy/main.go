// Command cec-copy is the out-of-process copy helper: it streams one
// firmware image over I²C and exits 0 on success, nonzero on failure.
// It is spawned as a templated systemd unit by package sysunit and
// mirrors original_source/nvidia_copy_image.cpp's `-f <file> -s <size>`
// CLI shape, driving package transport and package cec directly instead
// of running inside the daemon process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"cecupdate.dev/cec"
	"cecupdate.dev/transport"
)

var (
	flags    = flag.NewFlagSet("cec-copy", flag.ExitOnError)
	file     = flags.String("f", "", "path to the firmware image to copy")
	size     = flags.Uint("s", 0, "actual size of the firmware image in bytes")
	busID    = flags.Int("bus", 1, "I2C bus number (/dev/i2c-N)")
	busAddr  = flags.Uint("addr", 0x50, "I2C 7-bit device address")
	fwID     = flags.Uint("fwid", uint(cec.FWIDBmc), "CEC firmware id byte for the target image")
)

func main() {
	flags.Parse(os.Args[1:])
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cec-copy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *file == "" {
		return fmt.Errorf("missing required -f <file>")
	}
	if *size == 0 {
		return fmt.Errorf("missing required -s <size>")
	}

	bus, err := transport.Open(*busID, uint8(*busAddr))
	if err != nil {
		return err
	}
	defer bus.Close()

	cmds := cec.New(bus, nil)
	ctx := context.Background()

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := cmds.StartFWUpdate(ctx, byte(*fwID), uint32(*size)); err != nil {
		return fmt.Errorf("StartFWUpdate: %w", err)
	}

	remaining := int64(*size)
	block := make([]byte, cec.BlockSize)
	for remaining > 0 {
		n := int64(cec.BlockSize)
		if remaining < n {
			n = remaining
		}
		if _, err := f.Read(block[:n]); err != nil {
			return fmt.Errorf("read %s: %w", *file, err)
		}
		remaining -= n
		if err := cmds.CopyBlock(ctx, block[:n], remaining == 0); err != nil {
			return fmt.Errorf("CopyBlock: %w", err)
		}
	}

	if err := cmds.CopyImageComplete(ctx); err != nil {
		return fmt.Errorf("CopyImageComplete: %w", err)
	}
	return nil
}
