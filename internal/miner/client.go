package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/mining"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/bardlex/qpow/pkg/log"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
)

// Config configures a Client.
type Config struct {
	DedupTTL      time.Duration
	CancelTimeout time.Duration
	Registry      registry.Config
}

// Candidate is a seal some strategy reported for a running job. It has not
// been verified.
type Candidate struct {
	JobID string
	Seal  block.Seal
}

// Client owns the node's job registry and routes jobs to a strategy. When
// the primary strategy is unavailable and a fallback is set, new work goes to
// the fallback.
type Client struct {
	registry *registry.Registry
	primary  Strategy
	fallback Strategy
	dedup    DedupStore
	cfg      Config
	logger   *log.Logger
	observer registry.Observer

	mining         atomic.Bool
	onAvailability func(mining bool, strategy string)

	mu         sync.Mutex
	dispatched map[string]Strategy
	keys       map[string]string // job id -> dedup key
}

// Option customises a Client.
type Option func(*Client)

// WithFallback sets the strategy used while primary is unavailable.
func WithFallback(s Strategy) Option {
	return func(c *Client) { c.fallback = s }
}

// WithDedupStore replaces the in-memory dedup store.
func WithDedupStore(d DedupStore) Option {
	return func(c *Client) {
		if d != nil {
			c.dedup = d
		}
	}
}

// WithObserver forwards every registry transition to obs after the client
// has handled it.
func WithObserver(obs registry.Observer) Option {
	return func(c *Client) { c.observer = obs }
}

// WithAvailabilityHook is called whenever Mining() changes.
func WithAvailabilityHook(fn func(mining bool, strategy string)) Option {
	return func(c *Client) { c.onAvailability = fn }
}

// NewClient creates a client sending work to primary.
func NewClient(primary Strategy, cfg Config, logger *log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 30 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}

	c := &Client{
		primary:    primary,
		dedup:      NewMemoryDedup(),
		cfg:        cfg,
		logger:     logger.WithComponent("miner_client"),
		dispatched: make(map[string]Strategy),
		keys:       make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	c.registry = registry.New(cfg.Registry, logger, registry.ObserverFunc(c.jobTransitioned))
	c.mining.Store(true)
	return c
}

// Registry returns the node's job registry.
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// Mining reports whether some strategy is currently able to take work.
func (c *Client) Mining() bool {
	return c.mining.Load()
}

// strategy picks where new work goes.
func (c *Client) strategy() Strategy {
	if !available(c.primary) && c.fallback != nil {
		return c.fallback
	}
	return c.primary
}

func (c *Client) setMining(ok bool, strategy string) {
	if c.mining.Swap(ok) == ok {
		return
	}
	if ok {
		c.logger.Info("mining resumed", "strategy", strategy)
	} else {
		c.logger.Error("not currently mining", "strategy", strategy)
	}
	if c.onAvailability != nil {
		c.onAvailability(ok, strategy)
	}
}

// Submit starts mining t and returns the job id. An identical template
// submitted within the dedup window returns the job already mining it.
func (c *Client) Submit(ctx context.Context, t *block.Template) (string, error) {
	if err := t.Validate(); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "submit", "invalid template")
	}

	key := t.Hash().String()
	id := uuid.NewString()

	holder, claimed, err := c.dedup.Claim(ctx, key, id, c.cfg.DedupTTL)
	switch {
	case err != nil:
		// dedup is an optimisation; mine anyway
		c.logger.LogError("dedup store unavailable", err, "template_hash", key)
		claimed = false
	case !claimed:
		job, ok := c.registry.Get(holder)
		if ok && (!job.Status.Terminal() || job.Status == registry.StatusFound) {
			c.logger.Debug("template already being mined", "job_id", holder, "template_hash", key)
			return holder, nil
		}
		// the holder died or belongs to another node sharing the store
	}

	if err := c.registry.CreateWithID(id, *t); err != nil {
		return "", err
	}
	if claimed {
		c.mu.Lock()
		c.keys[id] = key
		c.mu.Unlock()
	}

	strategy := c.strategy()
	err = strategy.Submit(ctx, id, t)
	if err != nil && strategy != c.fallback && c.fallback != nil && errors.IsType(err, errors.ErrorTypeUnreachable) {
		c.logger.LogError("primary miner failed, falling back", err, "job_id", id)
		strategy = c.fallback
		err = strategy.Submit(ctx, id, t)
	}
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeUnreachable) {
			c.setMining(false, strategy.Name())
		}
		if claimed {
			c.mu.Lock()
			delete(c.keys, id)
			c.mu.Unlock()
			_ = c.dedup.Release(ctx, key)
		}
		_ = c.registry.Transition(id, registry.StatusCancelled, nil)
		return "", errors.Wrap(err, errors.TypeOf(err), "submit", "dispatch failed").
			WithContext("job_id", id).
			WithContext("strategy", strategy.Name())
	}
	c.setMining(true, strategy.Name())

	c.mu.Lock()
	c.dispatched[id] = strategy
	c.mu.Unlock()

	if err := c.registry.Transition(id, registry.StatusRunning, nil); err != nil {
		// superseded while being dispatched
		c.mu.Lock()
		delete(c.dispatched, id)
		c.mu.Unlock()
		go c.cleanup(id, strategy, "", false)
		return "", err
	}
	c.logger.LogJobDispatched(id, t.Height, strategy.Name(), key)
	return id, nil
}

// Poll asks the strategy holding jobID for a result. It returns a candidate
// seal without recording it; only the import hook marks jobs found. A nil
// seal with a nil error means no result yet.
func (c *Client) Poll(ctx context.Context, jobID string) (*block.Seal, error) {
	job, ok := c.registry.Get(jobID)
	if !ok {
		return nil, errors.UnknownJob("poll", jobID)
	}
	if job.Status != registry.StatusRunning {
		return nil, nil
	}

	c.mu.Lock()
	strategy := c.dispatched[jobID]
	c.mu.Unlock()
	if strategy == nil {
		return nil, nil
	}

	res, err := strategy.Poll(ctx, jobID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeUnreachable) && c.strategy() == strategy {
			c.setMining(false, strategy.Name())
		}
		return nil, err
	}

	switch res.State {
	case mining.StateFound:
		return res.Seal, nil
	case mining.StateUnknown, mining.StateCancelled:
		// the miner dropped the job; nothing will ever arrive for it
		c.logger.Debug("miner lost job", "job_id", jobID, "strategy", strategy.Name(), "state", string(res.State))
		_ = c.registry.Transition(jobID, registry.StatusExpired, nil)
	}
	return nil, nil
}

// PollAll polls every running job and returns the candidates found. It
// stops early once ctx is done.
func (c *Client) PollAll(ctx context.Context) []Candidate {
	var out []Candidate
	for _, job := range c.registry.Running() {
		if ctx.Err() != nil {
			break
		}
		seal, err := c.Poll(ctx, job.ID)
		if err != nil {
			c.logger.LogError("poll failed", err, "job_id", job.ID)
			continue
		}
		if seal != nil {
			out = append(out, Candidate{JobID: job.ID, Seal: *seal})
		}
	}
	return out
}

// OnNewTip marks every job not building on tip stale and asks their miners
// to stop. It does not wait for the cancels.
func (c *Client) OnNewTip(_ context.Context, tip chainhash.Hash) []string {
	stale := c.registry.SupersedeByParent(tip)
	if len(stale) > 0 {
		c.logger.Debug("jobs superseded", "tip", tip.String(), "count", len(stale))
	}
	return stale
}

// Cancel cancels jobID. Cancelling a finished or unknown job is a no-op.
func (c *Client) Cancel(_ context.Context, jobID string) {
	job, ok := c.registry.Get(jobID)
	if !ok || job.Status.Terminal() {
		return
	}
	if err := c.registry.Transition(jobID, registry.StatusCancelled, nil); err != nil {
		c.logger.LogError("cancel failed", err, "job_id", jobID)
	}
}

// jobTransitioned releases everything tied to a job once it is terminal and
// fires a background cancel when the miner may still be working on it.
func (c *Client) jobTransitioned(job registry.Job, from registry.Status) {
	if job.Status.Terminal() {
		c.mu.Lock()
		strategy := c.dispatched[job.ID]
		delete(c.dispatched, job.ID)
		key, hasKey := c.keys[job.ID]
		delete(c.keys, job.ID)
		c.mu.Unlock()

		if job.Status != registry.StatusFound && (strategy != nil || hasKey) {
			go c.cleanup(job.ID, strategy, key, hasKey)
		}
	}
	if c.observer != nil {
		c.observer.JobTransitioned(job, from)
	}
}

func (c *Client) cleanup(jobID string, strategy Strategy, key string, hasKey bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
	defer cancel()

	if strategy != nil {
		if err := strategy.Cancel(ctx, jobID); err != nil {
			c.logger.Debug("best-effort cancel failed", "job_id", jobID, "strategy", strategy.Name(), "error", err.Error())
		}
	}
	if hasKey {
		if err := c.dedup.Release(ctx, key); err != nil {
			c.logger.Debug("dedup release failed", "job_id", jobID, "error", err.Error())
		}
	}
}

// Run sweeps the registry until ctx is done.
func (c *Client) Run(ctx context.Context) {
	c.registry.Run(ctx)
}
