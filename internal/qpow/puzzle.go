// Package qpow implements the proof-of-work puzzle and the verifier that
// decides whether a sealed header meets its target.
//
// The puzzle derives a group (m, n) from the header pre-hash h: m is the
// SHA-256 of h and n is SHA3-512 of h, re-hashed until n is odd, composite,
// coprime with m and larger than m. A nonce's digest is
//
//	SHA3-512(m^h mod n) XOR SHA3-512(m^(h+nonce) mod n)
//
// and the nonce solves the puzzle when the digest is strictly below the
// target. The zero nonce always yields a zero digest and is rejected.
package qpow

import (
	"crypto/sha256"
	"math/big"

	"github.com/bardlex/qpow/internal/block"
	"golang.org/x/crypto/sha3"
)

// primalityRounds is the Miller-Rabin round count used when deriving n.
const primalityRounds = 32

var (
	one     = big.NewInt(1)
	wordMax = new(big.Int).Sub(new(big.Int).Lsh(one, block.WordSize*8), one)
)

// Puzzle holds the per-header group parameters. It is immutable once built
// and safe for concurrent use by many workers.
type Puzzle struct {
	h        *big.Int
	m        *big.Int
	n        *big.Int
	baseline [block.WordSize]byte
}

// PreHash reduces encoded header bytes to the 32-byte puzzle input.
func PreHash(headerBytes []byte) [32]byte {
	return sha3.Sum256(headerBytes)
}

// NewPuzzle derives the puzzle for the given encoded header.
func NewPuzzle(headerBytes []byte) *Puzzle {
	pre := PreHash(headerBytes)
	m, n := deriveGroup(pre)

	p := &Puzzle{
		h: new(big.Int).SetBytes(pre[:]),
		m: m,
		n: n,
	}
	p.baseline = p.element(new(big.Int))
	return p
}

// deriveGroup returns (m, n) for a pre-hash.
func deriveGroup(pre [32]byte) (*big.Int, *big.Int) {
	mSum := sha256.Sum256(pre[:])
	m := new(big.Int).SetBytes(mSum[:])

	nSum := sha3.Sum512(pre[:])
	n := new(big.Int).SetBytes(nSum[:])

	gcd := new(big.Int)
	var buf [block.WordSize]byte
	for {
		if n.Bit(0) == 1 && n.Cmp(m) > 0 && gcd.GCD(nil, nil, m, n).Cmp(one) == 0 && !n.ProbablyPrime(primalityRounds) {
			return m, n
		}
		n.FillBytes(buf[:])
		next := sha3.Sum512(buf[:])
		n.SetBytes(next[:])
	}
}

// element returns SHA3-512(m^(h+offset) mod n). The exponent saturates at
// 2^512-1.
func (p *Puzzle) element(offset *big.Int) [block.WordSize]byte {
	exp := new(big.Int).Add(p.h, offset)
	if exp.Cmp(wordMax) > 0 {
		exp.Set(wordMax)
	}

	r := new(big.Int).Exp(p.m, exp, p.n)

	var buf [block.WordSize]byte
	r.FillBytes(buf[:])
	return sha3.Sum512(buf[:])
}

// Digest returns the puzzle output for nonce.
func (p *Puzzle) Digest(nonce block.Nonce) block.Digest {
	return p.DigestInt(nonce.Big())
}

// DigestInt is Digest for a nonce already held as an integer, which lets
// workers step through nonces without re-encoding.
func (p *Puzzle) DigestInt(nonce *big.Int) block.Digest {
	var d block.Digest
	if nonce.Sign() == 0 {
		return d
	}

	e := p.element(nonce)
	for i := range d {
		d[i] = p.baseline[i] ^ e[i]
	}
	return d
}

// Solves reports whether nonce solves the puzzle for target.
func (p *Puzzle) Solves(nonce block.Nonce, target block.Target) bool {
	if nonce.IsZero() || target.IsZero() {
		return false
	}
	return p.Digest(nonce).Below(target)
}

// Verify is the pure acceptance check: nonce is non-zero and the digest of
// (headerBytes, nonce) is strictly below target.
func Verify(headerBytes []byte, nonce block.Nonce, target block.Target) bool {
	if nonce.IsZero() || target.IsZero() {
		return false
	}
	return NewPuzzle(headerBytes).Solves(nonce, target)
}
