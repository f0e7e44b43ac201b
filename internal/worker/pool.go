// Package worker runs the nonce search for one job across a fixed number of
// goroutines. Workers share only an atomic cancel flag and an atomic result
// slot; the first worker to store a seal wins and the rest stop.
package worker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/qpow"
	"github.com/bardlex/qpow/pkg/log"
)

// DefaultCheckEvery is how many hashes a worker computes between checks of
// the cancel flag.
const DefaultCheckEvery = 16

var (
	one       = big.NewInt(1)
	nonceSpan = new(big.Int).Lsh(one, block.WordSize*8)
)

// Work describes one search.
type Work struct {
	JobID       string
	HeaderBytes []byte
	Target      block.Target
	// NonceStart and NonceEnd optionally bound the search to an inclusive
	// range. With neither the search begins at a random offset; an end
	// without a start searches from zero.
	NonceStart *big.Int
	NonceEnd   *big.Int
}

func (w *Work) validate() error {
	if len(w.HeaderBytes) == 0 {
		return fmt.Errorf("empty header")
	}
	if w.Target.IsZero() {
		return fmt.Errorf("zero target")
	}
	if w.NonceStart != nil && (w.NonceStart.Sign() < 0 || w.NonceStart.Cmp(nonceSpan) >= 0) {
		return fmt.Errorf("nonce start out of range")
	}
	if w.NonceEnd != nil {
		if w.NonceEnd.Sign() < 0 || w.NonceEnd.Cmp(nonceSpan) >= 0 {
			return fmt.Errorf("nonce end out of range")
		}
		if w.NonceStart != nil && w.NonceEnd.Cmp(w.NonceStart) < 0 {
			return fmt.Errorf("nonce end below start")
		}
	}
	return nil
}

// Config configures a Pool.
type Config struct {
	Workers    int
	CheckEvery int
}

// Pool starts searches. It is stateless apart from counters and may run
// many searches at once.
type Pool struct {
	workers    int
	checkEvery int
	logger     *log.Logger

	active atomic.Int64
	hashes atomic.Uint64
}

// NewPool creates a pool. Zero values pick GOMAXPROCS workers and the
// default check interval.
func NewPool(cfg Config, logger *log.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = DefaultCheckEvery
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pool{
		workers:    cfg.Workers,
		checkEvery: cfg.CheckEvery,
		logger:     logger.WithComponent("worker_pool"),
	}
}

// Workers returns the number of goroutines used per search.
func (p *Pool) Workers() int {
	return p.workers
}

// ActiveSearches returns the number of searches still running.
func (p *Pool) ActiveSearches() int64 {
	return p.active.Load()
}

// TotalHashes returns the number of digests computed since the pool was made.
func (p *Pool) TotalHashes() uint64 {
	return p.hashes.Load()
}

// Start launches a search and returns immediately. onFound, if set, is
// called exactly once, by the winning worker, before the search is marked
// done. Cancelling ctx cancels the search.
func (p *Pool) Start(ctx context.Context, w Work, onFound func(block.Seal)) (*Search, error) {
	if err := w.validate(); err != nil {
		return nil, fmt.Errorf("invalid work for job %s: %w", w.JobID, err)
	}

	base := w.NonceStart
	if base == nil && w.NonceEnd != nil {
		base = new(big.Int)
	}
	if base == nil {
		var err error
		if base, err = rand.Int(rand.Reader, nonceSpan); err != nil {
			return nil, fmt.Errorf("random nonce base: %w", err)
		}
	}

	s := &Search{
		jobID:   w.JobID,
		started: time.Now(),
		done:    make(chan struct{}),
		onFound: onFound,
	}

	puzzle := qpow.NewPuzzle(w.HeaderBytes)
	stride := big.NewInt(int64(p.workers))

	p.active.Add(1)
	s.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		start := new(big.Int).Add(base, big.NewInt(int64(i)))
		go p.run(ctx, s, puzzle, w, start, stride)
	}

	go func() {
		s.wg.Wait()
		s.finished.Store(time.Now().UnixNano())
		p.active.Add(-1)
		close(s.done)
		p.logger.LogHashrate(s.jobID, s.hashes.Load(), s.Elapsed())
	}()

	return s, nil
}

// run walks start, start+stride, ... until the search is cancelled, someone
// finds a seal or the range is exhausted.
func (p *Pool) run(ctx context.Context, s *Search, puzzle *qpow.Puzzle, w Work, start, stride *big.Int) {
	defer s.wg.Done()

	nonce := start
	bounded := w.NonceEnd != nil
	var local uint64
	flush := func() {
		s.hashes.Add(local)
		p.hashes.Add(local)
		local = 0
	}
	defer flush()

	for iter := 0; ; iter++ {
		if iter%p.checkEvery == 0 {
			flush()
			if s.cancelled.Load() || ctx.Err() != nil {
				return
			}
		}

		if nonce.Cmp(nonceSpan) >= 0 {
			if bounded {
				return
			}
			nonce.Sub(nonce, nonceSpan)
		}
		if bounded && nonce.Cmp(w.NonceEnd) > 0 {
			return
		}

		if nonce.Sign() != 0 {
			digest := puzzle.DigestInt(nonce)
			local++
			if digest.Below(w.Target) {
				s.offer(block.Seal{Nonce: block.NonceFromBig(nonce), Digest: digest})
				return
			}
		}

		nonce.Add(nonce, stride)
	}
}

// Search is a running (or finished) nonce search.
type Search struct {
	jobID   string
	started time.Time
	onFound func(block.Seal)

	cancelled atomic.Bool
	result    atomic.Pointer[block.Seal]
	hashes    atomic.Uint64
	finished  atomic.Int64

	wg   sync.WaitGroup
	done chan struct{}
}

// offer stores seal if no other worker got there first.
func (s *Search) offer(seal block.Seal) {
	if !s.result.CompareAndSwap(nil, &seal) {
		return
	}
	s.cancelled.Store(true)
	if s.onFound != nil {
		s.onFound(seal)
	}
}

// Cancel asks every worker to stop. It does not wait.
func (s *Search) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called or a seal was found.
func (s *Search) Cancelled() bool {
	return s.cancelled.Load()
}

// Done is closed once every worker has exited.
func (s *Search) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the search finishes or ctx is done.
func (s *Search) Wait(ctx context.Context) (*block.Seal, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the winning seal, or nil.
func (s *Search) Result() *block.Seal {
	if seal := s.result.Load(); seal != nil {
		out := *seal
		return &out
	}
	return nil
}

// Hashes returns the digests computed so far.
func (s *Search) Hashes() uint64 {
	return s.hashes.Load()
}

// Elapsed returns the running time, or the total time once finished.
func (s *Search) Elapsed() time.Duration {
	if end := s.finished.Load(); end != 0 {
		return time.Unix(0, end).Sub(s.started)
	}
	return time.Since(s.started)
}
