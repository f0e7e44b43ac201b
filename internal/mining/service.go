// Package mining is the miner service core: it accepts work, runs it on the
// worker pool and tracks each job in a registry. The HTTP API in minerapi and
// the node's in-process strategy both sit on top of it.
package mining

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/internal/worker"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/bardlex/qpow/pkg/log"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// State is the externally visible job state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateFound     State = "found"
	StateCancelled State = "cancelled"
	StateUnknown   State = "unknown"
)

// stateOf folds registry statuses onto the external vocabulary. The service
// has no notion of chain tips, so stale reads as cancelled, and expired jobs
// are reported as unknown like evicted ones.
func stateOf(s registry.Status) State {
	switch s {
	case registry.StatusPending:
		return StatePending
	case registry.StatusRunning:
		return StateRunning
	case registry.StatusFound:
		return StateFound
	case registry.StatusCancelled, registry.StatusStale:
		return StateCancelled
	default:
		return StateUnknown
	}
}

// Request is a unit of work submitted to the service.
type Request struct {
	JobID       string // optional; generated when empty
	Parent      chainhash.Hash
	Height      uint64
	Target      block.Target
	HeaderBytes []byte
	NonceStart  *big.Int
	NonceEnd    *big.Int
}

// Status is the answer to a poll.
type Status struct {
	JobID     string
	State     State
	Seal      *block.Seal
	HashCount uint64
	Elapsed   time.Duration
}

// Config configures a Service.
type Config struct {
	Workers       int
	CheckEvery    int
	JobTTL        time.Duration
	JobRetention  time.Duration
	SweepInterval time.Duration
}

// Service owns a registry and a worker pool.
type Service struct {
	registry *registry.Registry
	pool     *worker.Pool
	logger   *log.Logger
	observer registry.Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	searches map[string]*worker.Search
}

// NewService creates a service. observer, if set, is told about every job
// transition after the service has handled it.
func NewService(cfg Config, logger *log.Logger, observer registry.Observer) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		pool:     worker.NewPool(worker.Config{Workers: cfg.Workers, CheckEvery: cfg.CheckEvery}, logger),
		logger:   logger.WithComponent("mining_service"),
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		searches: make(map[string]*worker.Search),
	}
	s.registry = registry.New(registry.Config{
		TTL:           cfg.JobTTL,
		Retention:     cfg.JobRetention,
		SweepInterval: cfg.SweepInterval,
	}, logger, registry.ObserverFunc(s.jobTransitioned))
	return s
}

// Pool exposes the worker pool for metrics.
func (s *Service) Pool() *worker.Pool {
	return s.pool
}

// ActiveJobs returns the number of jobs not yet finished.
func (s *Service) ActiveJobs() int {
	return len(s.registry.Active())
}

// Submit validates req, registers a job and starts searching. It never
// blocks on the search itself.
func (s *Service) Submit(req Request) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	tmpl := block.Template{Parent: req.Parent, Height: req.Height, Target: req.Target}

	id := req.JobID
	if id == "" {
		id = s.registry.Create(tmpl)
	} else if err := s.registry.CreateWithID(id, tmpl); err != nil {
		return "", err
	}

	if err := s.registry.Transition(id, registry.StatusRunning, nil); err != nil {
		return "", err
	}

	search, err := s.pool.Start(s.ctx, worker.Work{
		JobID:       id,
		HeaderBytes: req.HeaderBytes,
		Target:      req.Target,
		NonceStart:  req.NonceStart,
		NonceEnd:    req.NonceEnd,
	}, func(seal block.Seal) {
		s.sealFound(id, seal)
	})
	if err != nil {
		_ = s.registry.Transition(id, registry.StatusCancelled, nil)
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "submit", "cannot start search")
	}

	s.mu.Lock()
	s.searches[id] = search
	s.mu.Unlock()

	// a cancel that landed before the search was stored found nothing to stop
	if job, ok := s.registry.Get(id); !ok || (job.Status != registry.StatusRunning && job.Status != registry.StatusFound) {
		search.Cancel()
	}

	s.logger.WithJob(id, req.Height).Info("job accepted", "workers", s.pool.Workers())
	return id, nil
}

func validateRequest(req Request) error {
	switch {
	case len(req.HeaderBytes) == 0:
		return errors.New(errors.ErrorTypeValidation, "submit", "header_bytes is required")
	case req.Target.IsZero():
		return errors.New(errors.ErrorTypeValidation, "submit", "target must be positive")
	case req.NonceStart != nil && req.NonceEnd != nil && req.NonceStart.Cmp(req.NonceEnd) > 0:
		return errors.New(errors.ErrorTypeValidation, "submit", "nonce_start above nonce_end")
	}
	return nil
}

func (s *Service) sealFound(id string, seal block.Seal) {
	if err := s.registry.Transition(id, registry.StatusFound, &seal); err != nil {
		// cancelled or expired between the find and now
		s.logger.LogError("discarding late seal", err, "job_id", id)
		return
	}
	job, _ := s.registry.Get(id)
	s.logger.LogSealFound(id, job.Template.Height, seal.Nonce.String())
}

// Poll reports the current state of job id. Ids the service never saw, or
// has expired or evicted, read as unknown.
func (s *Service) Poll(id string) Status {
	job, ok := s.registry.Get(id)
	if !ok {
		return Status{JobID: id, State: StateUnknown}
	}

	st := Status{JobID: id, State: stateOf(job.Status)}
	if job.Status == registry.StatusFound {
		st.Seal = job.Result
	}

	s.mu.Lock()
	search := s.searches[id]
	s.mu.Unlock()
	if search != nil {
		st.HashCount = search.Hashes()
		st.Elapsed = search.Elapsed()
	}
	return st
}

// Cancel stops job id if it is still running and returns its state. It is
// idempotent: cancelling a finished or unknown job changes nothing.
func (s *Service) Cancel(id string) Status {
	job, ok := s.registry.Get(id)
	if ok && !job.Status.Terminal() {
		if err := s.registry.Transition(id, registry.StatusCancelled, nil); err != nil {
			s.logger.LogError("cancel raced with another transition", err, "job_id", id)
		}
	}
	return s.Poll(id)
}

// RetireParent stops every unfinished job building on parent at or below
// height, since a block has already filled that slot. It returns the ids it
// stopped.
func (s *Service) RetireParent(parent chainhash.Hash, height uint64) []string {
	var ids []string
	for _, job := range s.registry.Active() {
		if job.Template.Parent != parent || job.Template.Height > height {
			continue
		}
		if err := s.registry.Transition(job.ID, registry.StatusStale, nil); err != nil {
			continue
		}
		ids = append(ids, job.ID)
	}
	return ids
}

// jobTransitioned stops the search behind any job that left the running
// state without a seal.
func (s *Service) jobTransitioned(job registry.Job, from registry.Status) {
	switch job.Status {
	case registry.StatusCancelled, registry.StatusStale, registry.StatusExpired:
		s.mu.Lock()
		search := s.searches[job.ID]
		s.mu.Unlock()
		if search != nil {
			search.Cancel()
		}
	}
	if s.observer != nil {
		s.observer.JobTransitioned(job, from)
	}
}

// Sweep expires overdue jobs and forgets searches whose jobs were evicted.
func (s *Service) Sweep(now time.Time) {
	s.registry.Sweep(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.searches {
		if _, ok := s.registry.Get(id); !ok {
			delete(s.searches, id)
		}
	}
}

// Run sweeps periodically until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Close cancels every search.
func (s *Service) Close() {
	s.cancel()
}
