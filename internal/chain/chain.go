// Package chain adapts the node's chain collaborator: where templates come
// from, what the best tip is, the difficulty history behind a block and
// where sealed headers go. RPCChain and ZMQNotifier talk to a running chain
// daemon; MemoryChain is a self-contained chain for dev mode and tests.
package chain

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/difficulty"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/sha3"
)

// Tip identifies the head of the best chain.
type Tip struct {
	Hash   chainhash.Hash
	Height uint64
}

// tipPayloadSize is the encoded size of a Tip: 32-byte hash, 8-byte height.
const tipPayloadSize = chainhash.HashSize + 8

// EncodeTip returns the notification payload for t.
func EncodeTip(t Tip) []byte {
	out := make([]byte, tipPayloadSize)
	copy(out, t.Hash[:])
	binary.BigEndian.PutUint64(out[chainhash.HashSize:], t.Height)
	return out
}

// DecodeTip parses a notification payload.
func DecodeTip(b []byte) (Tip, error) {
	if len(b) != tipPayloadSize {
		return Tip{}, fmt.Errorf("invalid tip payload length: %d", len(b))
	}
	var t Tip
	copy(t.Hash[:], b[:chainhash.HashSize])
	t.Height = binary.BigEndian.Uint64(b[chainhash.HashSize:])
	return t, nil
}

// View is the read side of the chain the import hook and the difficulty
// controller need.
type View interface {
	BestTip(ctx context.Context) (Tip, error)
	// Window returns up to depth samples ending at parent, oldest first.
	Window(ctx context.Context, parent chainhash.Hash, depth int) (difficulty.Window, error)
}

// Importer accepts sealed headers.
type Importer interface {
	Import(ctx context.Context, h *block.Header) error
}

// TemplateSource builds the next unsealed block on the current tip. The
// target is left empty for the difficulty controller to stamp.
type TemplateSource interface {
	Template(ctx context.Context, beneficiary string) (block.Template, error)
}

// MerkleRoot folds transaction hashes into a single commitment, pairing
// neighbours level by level and duplicating the last hash of an odd level.
func MerkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}

	level := append([]chainhash.Hash(nil), hashes...)
	for len(level) > 1 {
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}

			var pair [2 * chainhash.HashSize]byte
			copy(pair[:], left[:])
			copy(pair[chainhash.HashSize:], right[:])
			next = append(next, chainhash.Hash(sha3.Sum256(pair[:])))
		}
		level = next
	}
	return level[0]
}
