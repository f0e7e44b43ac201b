// Package importer decides what happens to a candidate seal: it re-verifies
// the header, makes sure only one block is imported per (parent, height),
// drops work that no longer builds on the best tip and hands the survivor to
// the chain.
package importer

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/chain"
	"github.com/bardlex/qpow/internal/qpow"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/log"
)

// Outcome is the decision taken for one candidate.
type Outcome int

const (
	Imported Outcome = iota
	Stale
	Invalid
	AlreadyImported
	UnknownJob
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Imported:
		return "imported"
	case Stale:
		return "stale"
	case Invalid:
		return "invalid"
	case AlreadyImported:
		return "already_imported"
	case UnknownJob:
		return "unknown_job"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Events receives import decisions worth recording outside the process.
type Events interface {
	BlockImported(ctx context.Context, jobID string, h *block.Header)
	CandidateRejected(ctx context.Context, jobID string, h *block.Header, reason error)
}

// Config controls the hook.
type Config struct {
	// WindowDepth is how many ancestors are fetched for verification. It
	// must cover both the retarget window and the median time span.
	WindowDepth int
	// LedgerDepth is how many heights below the newest import are
	// remembered for duplicate detection.
	LedgerDepth uint64
}

type slot struct {
	parent chainhash.Hash
	height uint64
}

// Hook is the import path for candidate seals. It is safe for concurrent use.
type Hook struct {
	cfg      Config
	registry *registry.Registry
	verifier *qpow.Verifier
	view     chain.View
	importer chain.Importer
	events   Events
	logger   *log.Logger

	mu      sync.Mutex
	ledger  map[slot]chainhash.Hash
	highest uint64
}

// Option configures a Hook.
type Option func(*Hook)

// WithEvents sets the sink for import decisions.
func WithEvents(e Events) Option {
	return func(h *Hook) { h.events = e }
}

// New creates a Hook.
func New(cfg Config, reg *registry.Registry, verifier *qpow.Verifier, view chain.View, importer chain.Importer, logger *log.Logger, opts ...Option) *Hook {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.LedgerDepth == 0 {
		cfg.LedgerDepth = 64
	}
	h := &Hook{
		cfg:      cfg,
		registry: reg,
		verifier: verifier,
		view:     view,
		importer: importer,
		logger:   logger.WithComponent("importer"),
		ledger:   make(map[slot]chainhash.Hash),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleResult processes a seal reported for jobID.
func (h *Hook) HandleResult(ctx context.Context, jobID string, seal block.Seal) Outcome {
	job, ok := h.registry.Get(jobID)
	if !ok {
		h.logger.Debug("result for unknown job", "job_id", jobID)
		return UnknownJob
	}
	logger := h.logger.WithJob(jobID, job.Template.Height)

	switch job.Status {
	case registry.StatusStale:
		logger.Debug("ignoring result for stale job")
		return Stale
	case registry.StatusFound:
		logger.Debug("job already sealed")
		return AlreadyImported
	case registry.StatusCancelled, registry.StatusExpired:
		logger.Debug("ignoring result for closed job", "status", job.Status.String())
		return Discarded
	}

	header := block.NewHeader(job.Template, seal)

	window, err := h.view.Window(ctx, header.Parent, h.cfg.WindowDepth)
	if err != nil {
		logger.LogError("failed to load difficulty window", err)
		return Discarded
	}

	if err := h.verifier.VerifyHeader(header, window); err != nil {
		logger.LogError("candidate rejected", err, "nonce", seal.Nonce.String())
		h.rejected(ctx, jobID, header, err)
		if terr := h.registry.Transition(jobID, registry.StatusCancelled, nil); terr != nil {
			logger.LogError("failed to cancel rejected job", terr)
		}
		return Invalid
	}

	return h.commit(ctx, jobID, header, logger)
}

// commit runs the ledger, tip and import steps under the hook lock so two
// candidates for the same slot can never both reach the chain.
func (h *Hook) commit(ctx context.Context, jobID string, header *block.Header, logger *log.Logger) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := slot{parent: header.Parent, height: header.Height}
	if prev, seen := h.ledger[key]; seen {
		logger.Debug("slot already filled", "imported", prev.String())
		return AlreadyImported
	}

	tip, err := h.view.BestTip(ctx)
	if err != nil {
		logger.LogError("failed to read best tip", err)
		return Discarded
	}
	if tip.Hash != header.Parent {
		_ = h.registry.Transition(jobID, registry.StatusStale, nil)
		logger.Debug("candidate no longer extends the best tip", "tip", tip.Hash.String())
		return Stale
	}

	seal := header.Seal
	if err := h.registry.Transition(jobID, registry.StatusFound, &seal); err != nil {
		// superseded or expired between the checks above and now
		logger.LogError("job closed before import", err)
		if job, ok := h.registry.Get(jobID); ok && job.Status == registry.StatusStale {
			return Stale
		}
		return Discarded
	}
	logger.LogSealFound(jobID, header.Height, seal.Nonce.String())

	if err := h.importer.Import(ctx, header); err != nil {
		logger.LogError("chain refused sealed header", err)
		h.rejected(ctx, jobID, header, err)
		return Discarded
	}

	hash := header.Hash()
	h.record(key, hash)
	logger.LogBlockImported(hash.String(), header.Height, header.Parent.String())
	if h.events != nil {
		h.events.BlockImported(ctx, jobID, header)
	}
	return Imported
}

func (h *Hook) rejected(ctx context.Context, jobID string, header *block.Header, reason error) {
	if h.events != nil {
		h.events.CandidateRejected(ctx, jobID, header, reason)
	}
}

func (h *Hook) record(key slot, hash chainhash.Hash) {
	h.ledger[key] = hash
	if key.height <= h.highest {
		return
	}
	h.highest = key.height
	if h.highest <= h.cfg.LedgerDepth {
		return
	}
	floor := h.highest - h.cfg.LedgerDepth
	for k := range h.ledger {
		if k.height < floor {
			delete(h.ledger, k)
		}
	}
}

// Imported reports the hash imported for (parent, height), if any.
func (h *Hook) Imported(parent chainhash.Hash, height uint64) (chainhash.Hash, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hash, ok := h.ledger[slot{parent: parent, height: height}]
	return hash, ok
}
