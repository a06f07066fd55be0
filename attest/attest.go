// Package attest drives the CEC attestation challenge/response and,
// when a public key is supplied, verifies the trailing ECDSA signature
// over the assembled payload.
//
// The DER signature shape (SEQUENCE{INTEGER r, INTEGER s}) follows
// cmd/picosign's asn1.Unmarshal(sigEnc, &sigDer) use for UF2 signatures,
// generalized to P-384: no pack dependency supports that curve, so
// verification itself uses the standard library crypto/ecdsa and
// crypto/elliptic rather than a pack EC library.
package attest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"cecupdate.dev/cec"
)

// Signature byte layout within the assembled payload.
const sigHalfSize = 48 // P-384 field element size

var (
	// ErrNonceMismatch is returned when the assembled payload does not
	// begin with the nonce that was sent.
	ErrNonceMismatch = errors.New("attest: nonce mismatch")
	// ErrSignatureInvalid is returned when ECDSA verification fails
	// against a supplied public key.
	ErrSignatureInvalid = errors.New("attest: signature invalid")
	// ErrBadPublicKey is returned when the public-key file cannot be
	// parsed as a P-384 ECDSA key.
	ErrBadPublicKey = errors.New("attest: bad public key")
	// ErrBadNonce is returned when a supplied nonce is not exactly 32
	// hex-ASCII characters.
	ErrBadNonce = errors.New("attest: nonce must be 32 hex characters")
)

// Fixed output filenames under the scratch directory.
const (
	FileResponse = "sign_response.bin"
	FileData     = "sign_data.bin"
	FileSig      = "signature.bin"
	FileStatus   = "attest_status.txt"
)

// Config parameterizes one attestation run.
type Config struct {
	DataSize   int    // total challenge payload length, e.g. 657
	BlockSize  int    // one of {32, 48, 64, 128}
	Nonce      string // 32 hex-ASCII characters; generated if empty
	PubKeyPath string // optional PEM or DER P-384 public key
	ScratchDir string
}

// Result is the outcome of one attestation run.
type Result struct {
	Nonce    [32]byte
	Payload  []byte
	Verified bool // true only when a public key was supplied and verification succeeded
}

// derSignature mirrors cmd/picosign's ASN.1 signature shape.
type derSignature struct {
	R, S *big.Int
}

// Run drives the CEC attestation command, assembles the challenge
// payload, and — if cfg.PubKeyPath is set — verifies the trailing
// signature. Once the scratch directory is prepared, attest_status.txt
// is written on every outcome and records the returned error, if any;
// sign_response.bin is written once the payload is assembled, and
// sign_data.bin and signature.bin only when a public key is supplied.
func Run(ctx context.Context, c *cec.Commands, cfg Config) (*Result, error) {
	if err := os.RemoveAll(cfg.ScratchDir); err != nil {
		return nil, fmt.Errorf("attest: clean scratch dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("attest: create scratch dir: %w", err)
	}

	nonce, err := buildNonce(cfg.Nonce)
	if err != nil {
		writeStatus(cfg.ScratchDir, err)
		return nil, err
	}

	res := &Result{Nonce: nonce}
	if err := c.Attestation(ctx, cfg.BlockSize, nonce); err != nil {
		writeStatus(cfg.ScratchDir, err)
		return res, fmt.Errorf("attest: %w", err)
	}

	payload, err := readPayload(ctx, c, cfg.BlockSize, cfg.DataSize)
	if err != nil {
		writeStatus(cfg.ScratchDir, err)
		return res, fmt.Errorf("attest: %w", err)
	}
	res.Payload = payload
	_ = os.WriteFile(filepath.Join(cfg.ScratchDir, FileResponse), payload, 0o644)

	if len(payload) < 32 || string(payload[:32]) != string(nonce[:]) {
		writeStatus(cfg.ScratchDir, ErrNonceMismatch)
		return res, ErrNonceMismatch
	}

	if cfg.PubKeyPath == "" {
		writeStatus(cfg.ScratchDir, nil)
		return res, nil
	}

	if len(payload) < 2*sigHalfSize {
		err := fmt.Errorf("attest: payload too short for a signature: %d bytes", len(payload))
		writeStatus(cfg.ScratchDir, err)
		return res, err
	}
	split := len(payload) - 2*sigHalfSize
	signedData := payload[:split]
	r := new(big.Int).SetBytes(payload[split : split+sigHalfSize])
	s := new(big.Int).SetBytes(payload[split+sigHalfSize:])

	der, err := encodeDER(r, s)
	if err != nil {
		writeStatus(cfg.ScratchDir, err)
		return res, err
	}
	_ = os.WriteFile(filepath.Join(cfg.ScratchDir, FileData), signedData, 0o644)
	_ = os.WriteFile(filepath.Join(cfg.ScratchDir, FileSig), der, 0o644)

	pub, err := loadPublicKey(cfg.PubKeyPath)
	if err != nil {
		writeStatus(cfg.ScratchDir, err)
		return res, err
	}

	hash := sha512.Sum384(signedData)
	if !ecdsa.Verify(pub, hash[:], r, s) {
		writeStatus(cfg.ScratchDir, ErrSignatureInvalid)
		return res, ErrSignatureInvalid
	}
	res.Verified = true
	writeStatus(cfg.ScratchDir, nil)
	return res, nil
}

// readPayload reads the challenge register in blockSize chunks,
// checksum-validating and stripping the checksum byte from each, until
// dataSize bytes are assembled.
func readPayload(ctx context.Context, c *cec.Commands, blockSize, dataSize int) ([]byte, error) {
	payload := make([]byte, 0, dataSize)
	remaining := dataSize
	for remaining > 0 {
		n := blockSize
		if remaining < n {
			n = remaining
		}
		chunk, err := c.ReadChallenge(ctx, n+1)
		if err != nil {
			return nil, err
		}
		payload = append(payload, chunk[1:]...)
		remaining -= n
	}
	return payload, nil
}

// buildNonce returns hexStr verbatim as the 32-byte wire nonce if
// supplied, validating it is exactly 32 hex-ASCII characters; otherwise
// it generates 32 hex-ASCII characters from a pseudo-random source
// seeded from wall-clock time.
func buildNonce(hexStr string) ([32]byte, error) {
	var nonce [32]byte
	if hexStr != "" {
		if len(hexStr) != 32 {
			return nonce, ErrBadNonce
		}
		for _, r := range hexStr {
			if !isHexDigit(r) {
				return nonce, ErrBadNonce
			}
		}
		copy(nonce[:], hexStr)
		return nonce, nil
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	const digits = "0123456789abcdef"
	for i := range nonce {
		nonce[i] = digits[rnd.Intn(len(digits))]
	}
	return nonce, nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// encodeDER is the left-inverse of decodeDER: it DER-encodes r and s as
// SEQUENCE{INTEGER r, INTEGER s}, the format asn1.Marshal already
// produces correctly (it pads a leading 0x00 itself whenever the
// encoded integer's high bit would otherwise read as negative).
func encodeDER(r, s *big.Int) ([]byte, error) {
	return asn1.Marshal(derSignature{R: r, S: s})
}

// decodeDER parses a SEQUENCE{INTEGER r, INTEGER s} back into its two
// big.Int halves, mirroring cmd/picosign's asn1.Unmarshal(sigEnc, &sigDer).
func decodeDER(der []byte) (r, s *big.Int, err error) {
	var sig derSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, nil, fmt.Errorf("attest: decode signature: %w", err)
	}
	if len(rest) > 0 {
		return nil, nil, fmt.Errorf("attest: decode signature: trailing data")
	}
	return sig.R, sig.S, nil
}

func loadPublicKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	key, err := x509.ParsePKIXPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P384() {
		return nil, fmt.Errorf("%w: not a P-384 ECDSA key", ErrBadPublicKey)
	}
	return pub, nil
}

func writeStatus(dir string, err error) {
	status := "OK\n"
	if err != nil {
		status = fmt.Sprintf("FAILED: %v\n", err)
	}
	_ = os.WriteFile(filepath.Join(dir, FileStatus), []byte(status), 0o644)
}
