// Command cec-attest drives the CEC attestation challenge/response and,
// when given a public key, verifies the trailing signature. It mirrors
// cmd/picosign's split-subcommand shape (flag.NewFlagSet per
// subcommand), reduced here to the single "run" subcommand the
// attestation engine needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"cecupdate.dev/attest"
	"cecupdate.dev/cec"
	"cecupdate.dev/transport"
)

var (
	runFlags   = flag.NewFlagSet("run", flag.ExitOnError)
	dataSize   = runFlags.Int("size", 657, "total challenge payload length")
	blockSize  = runFlags.Int("block", 48, "challenge read block size (32, 48, 64, or 128)")
	nonce      = runFlags.String("nonce", "", "32 hex-ASCII character nonce; generated if omitted")
	pubKeyPath = runFlags.String("pubkey", "", "PEM or DER P-384 public key; verification skipped if omitted")
	scratchDir = runFlags.String("scratch", "/var/lib/cec-attest", "scratch output directory")
	busID      = runFlags.Int("bus", 1, "I2C bus number (/dev/i2c-N)")
	busAddr    = runFlags.Uint("addr", 0x50, "I2C 7-bit device address")
)

func main() {
	if len(os.Args) <= 1 || os.Args[1] != "run" {
		fmt.Fprintf(os.Stderr, "cec-attest: specify 'run'\n")
		os.Exit(2)
	}
	runFlags.Parse(os.Args[2:])
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cec-attest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	bus, err := transport.Open(*busID, uint8(*busAddr))
	if err != nil {
		return err
	}
	defer bus.Close()

	cmds := cec.New(bus, nil)
	_, err = attest.Run(context.Background(), cmds, attest.Config{
		DataSize:   *dataSize,
		BlockSize:  *blockSize,
		Nonce:      *nonce,
		PubKeyPath: *pubKeyPath,
		ScratchDir: *scratchDir,
	})
	return err
}
