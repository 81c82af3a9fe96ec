// Package digest computes the report fingerprint registered on chain.
//
// The hash is legacy Keccak-256 (the pre-standard padding used by the EVM),
// not FIPS-202 SHA3-256. The registry compares against values produced by the
// same primitive, so the two must never be swapped.
package digest

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Size is the length of a Digest in bytes.
const Size = 32

// Digest is a Keccak-256 fingerprint of canonical report bytes.
type Digest [Size]byte

// Sum returns the Keccak-256 digest of b.
func Sum(b []byte) Digest {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	var d Digest
	h.Sum(d[:0])
	return d
}

// Hex returns the 0x-prefixed lowercase hex form.
func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

// String implements fmt.Stringer.
func (d Digest) String() string {
	return d.Hex()
}

// Bytes returns a copy of the digest as a slice.
func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler so digests render as hex in JSON.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseHex parses a 64-character hex digest with an optional 0x prefix.
func ParseHex(s string) (Digest, error) {
	var d Digest
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 2*Size {
		return d, fmt.Errorf("digest: expected %d hex characters, got %d", 2*Size, len(raw))
	}
	if _, err := hex.Decode(d[:], []byte(raw)); err != nil {
		return d, fmt.Errorf("digest: %w", err)
	}
	return d, nil
}
