// Package block defines the block data model shared by the consensus core:
// 512-bit targets and nonces, unsealed templates, seals and sealed headers.
package block

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// WordSize is the byte width of targets, nonces and digests.
const WordSize = 64

// Target is a 512-bit unsigned threshold stored big-endian. A digest is
// accepted when it is strictly below the target, so a larger target is
// easier. The zero value is not a valid target.
type Target [WordSize]byte

var maxWord = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), WordSize*8), big.NewInt(1))

// MaxTarget returns the easiest representable target, 2^512-1.
func MaxTarget() Target {
	t, _ := TargetFromBig(maxWord)
	return t
}

// TargetWithLeadingZeros returns (2^512-1) >> bits, a target that roughly
// one in 2^bits digests satisfies.
func TargetWithLeadingZeros(bits uint) Target {
	if bits >= WordSize*8 {
		bits = WordSize*8 - 1
	}
	t, _ := TargetFromBig(new(big.Int).Rsh(maxWord, bits))
	return t
}

// TargetFromBig converts v into a Target. It fails when v is not in
// [1, 2^512-1].
func TargetFromBig(v *big.Int) (Target, error) {
	var t Target
	if v == nil || v.Sign() <= 0 {
		return t, fmt.Errorf("target must be positive")
	}
	if v.Cmp(maxWord) > 0 {
		return t, fmt.Errorf("target exceeds %d bits", WordSize*8)
	}
	v.FillBytes(t[:])
	return t, nil
}

// ParseTarget decodes a 128-character hex string.
func ParseTarget(s string) (Target, error) {
	var t Target
	if err := decodeWord(s, t[:]); err != nil {
		return t, fmt.Errorf("invalid target: %w", err)
	}
	if t.IsZero() {
		return t, fmt.Errorf("invalid target: zero")
	}
	return t, nil
}

// Big returns the target as a new big.Int.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// IsZero reports whether t is the (invalid) zero target.
func (t Target) IsZero() bool {
	return t == Target{}
}

// Cmp compares two targets numerically.
func (t Target) Cmp(o Target) int {
	return t.Big().Cmp(o.Big())
}

// String returns the fixed-width hex encoding.
func (t Target) String() string {
	return hex.EncodeToString(t[:])
}

// MarshalText implements encoding.TextMarshaler.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Target) UnmarshalText(b []byte) error {
	parsed, err := ParseTarget(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Nonce is the 512-bit value a miner varies to solve the puzzle.
type Nonce [WordSize]byte

// NonceFromBig converts v (taken mod 2^512) into a Nonce.
func NonceFromBig(v *big.Int) Nonce {
	var n Nonce
	new(big.Int).And(v, maxWord).FillBytes(n[:])
	return n
}

// NonceFromUint64 builds a nonce with v in the low 8 bytes.
func NonceFromUint64(v uint64) Nonce {
	return NonceFromBig(new(big.Int).SetUint64(v))
}

// ParseNonce decodes a 128-character hex string.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	if err := decodeWord(s, n[:]); err != nil {
		return n, fmt.Errorf("invalid nonce: %w", err)
	}
	return n, nil
}

// Big returns the nonce as a new big.Int.
func (n Nonce) Big() *big.Int {
	return new(big.Int).SetBytes(n[:])
}

// IsZero reports whether n is zero. The zero nonce never seals a block.
func (n Nonce) IsZero() bool {
	return n == Nonce{}
}

// String returns the fixed-width hex encoding.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// MarshalText implements encoding.TextMarshaler.
func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Nonce) UnmarshalText(b []byte) error {
	parsed, err := ParseNonce(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Digest is the 512-bit puzzle output compared against the target.
type Digest [WordSize]byte

// Big returns the digest as a new big.Int.
func (d Digest) Big() *big.Int {
	return new(big.Int).SetBytes(d[:])
}

// Below reports whether d is strictly less than t.
func (d Digest) Below(t Target) bool {
	return d.Big().Cmp(t.Big()) < 0
}

// String returns the fixed-width hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a 128-character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := decodeWord(s, d[:]); err != nil {
		return d, fmt.Errorf("invalid digest: %w", err)
	}
	return d, nil
}

func decodeWord(s string, dst []byte) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("expected %d hex characters, got %d", 2*len(dst), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
