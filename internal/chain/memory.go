package chain

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/difficulty"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/sha3"
)

type stored struct {
	hash      chainhash.Hash
	parent    chainhash.Hash
	height    uint64
	timestamp uint64
	target    block.Target
}

// MemoryChain is an in-process chain. It accepts any header that extends a
// known block at the next height; the longest chain wins and the first block
// seen at a height keeps the tip on ties.
type MemoryChain struct {
	mu      sync.RWMutex
	blocks  map[chainhash.Hash]*stored
	tip     *stored
	subs    []chan Tip
	now     func() time.Time
	imports int
}

// NewMemoryChain creates a chain holding only a genesis block.
func NewMemoryChain(genesisTarget block.Target, genesisTime time.Time) *MemoryChain {
	g := &stored{
		hash:      chainhash.Hash(sha3.Sum256([]byte("qpow genesis"))),
		timestamp: uint64(genesisTime.UnixMilli()),
		target:    genesisTarget,
	}
	return &MemoryChain{
		blocks: map[chainhash.Hash]*stored{g.hash: g},
		tip:    g,
		now:    time.Now,
	}
}

// Genesis returns the genesis hash.
func (m *MemoryChain) Genesis() chainhash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := m.tip
	for cur.height > 0 {
		cur = m.blocks[cur.parent]
	}
	return cur.hash
}

// BestTip implements View.
func (m *MemoryChain) BestTip(_ context.Context) (Tip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Tip{Hash: m.tip.hash, Height: m.tip.height}, nil
}

// Window implements View.
func (m *MemoryChain) Window(_ context.Context, parent chainhash.Hash, depth int) (difficulty.Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.blocks[parent]
	if !ok {
		return nil, errors.New(errors.ErrorTypeChain, "window", "unknown parent").
			WithContext("parent", parent.String())
	}

	var rev difficulty.Window
	for cur != nil && len(rev) < depth {
		rev = append(rev, difficulty.Sample{Timestamp: cur.timestamp, Target: cur.target})
		if cur.height == 0 {
			break
		}
		cur = m.blocks[cur.parent]
	}

	w := make(difficulty.Window, len(rev))
	for i, s := range rev {
		w[len(rev)-1-i] = s
	}
	return w, nil
}

// Template implements TemplateSource. The timestamp is the wall clock,
// nudged past the tip's own timestamp.
func (m *MemoryChain) Template(_ context.Context, beneficiary string) (block.Template, error) {
	m.mu.RLock()
	tip := m.tip
	m.mu.RUnlock()

	ts := uint64(m.now().UnixMilli())
	if ts <= tip.timestamp {
		ts = tip.timestamp + 1
	}

	height := tip.height + 1
	var coinbase [8]byte
	binary.BigEndian.PutUint64(coinbase[:], height)
	txs := []chainhash.Hash{
		chainhash.Hash(sha3.Sum256(append(coinbase[:], beneficiary...))),
	}

	return block.Template{
		Parent:      tip.hash,
		Height:      height,
		Timestamp:   ts,
		TxRoot:      MerkleRoot(txs),
		Beneficiary: beneficiary,
	}, nil
}

// Import implements Importer. The header is trusted; verification is the
// import hook's job.
func (m *MemoryChain) Import(_ context.Context, h *block.Header) error {
	hash := h.Hash()

	m.mu.Lock()
	if _, dup := m.blocks[hash]; dup {
		m.mu.Unlock()
		return errors.New(errors.ErrorTypeChain, "import", "duplicate block").
			WithContext("hash", hash.String())
	}
	parent, ok := m.blocks[h.Parent]
	if !ok {
		m.mu.Unlock()
		return errors.New(errors.ErrorTypeChain, "import", "unknown parent").
			WithContext("parent", h.Parent.String())
	}
	if h.Height != parent.height+1 {
		m.mu.Unlock()
		return errors.Newf(errors.ErrorTypeChain, "import", "height %d does not follow parent height %d", h.Height, parent.height)
	}

	s := &stored{hash: hash, parent: h.Parent, height: h.Height, timestamp: h.Timestamp, target: h.Target}
	m.blocks[hash] = s
	m.imports++

	var tip *Tip
	if s.height > m.tip.height {
		m.tip = s
		tip = &Tip{Hash: hash, Height: s.height}
	}
	subs := append([]chan Tip(nil), m.subs...)
	m.mu.Unlock()

	if tip != nil {
		for _, ch := range subs {
			select {
			case ch <- *tip:
			default:
			}
		}
	}
	return nil
}

// Imports returns the number of headers accepted.
func (m *MemoryChain) Imports() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.imports
}

// Has reports whether hash is part of the chain.
func (m *MemoryChain) Has(hash chainhash.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[hash]
	return ok
}

// Subscribe returns a channel receiving every new best tip. Slow readers
// miss tips rather than block imports.
func (m *MemoryChain) Subscribe() <-chan Tip {
	ch := make(chan Tip, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}
