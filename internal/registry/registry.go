// Package registry owns the table of mining jobs and their lifecycle. All
// reads and writes go through a single mutex, so every transition is
// observed in one order by every caller.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/bardlex/qpow/pkg/log"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
)

// Status is a job lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusFound
	StatusStale
	StatusCancelled
	StatusExpired
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusFound:
		return "found"
	case StatusStale:
		return "stale"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s >= StatusFound
}

// allowed lists the legal forward moves. Pending jobs may be dropped before
// they run; only running jobs can be found.
var allowed = map[Status][]Status{
	StatusPending: {StatusRunning, StatusStale, StatusCancelled, StatusExpired},
	StatusRunning: {StatusFound, StatusStale, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a snapshot of one mining job. Snapshots are copies; mutating one
// does not touch the registry.
type Job struct {
	ID        string
	Template  block.Template
	Status    Status
	Result    *block.Seal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Observer is told about every applied transition.
type Observer interface {
	JobTransitioned(job Job, from Status)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(job Job, from Status)

// JobTransitioned implements Observer.
func (f ObserverFunc) JobTransitioned(job Job, from Status) { f(job, from) }

// Config controls expiry and eviction.
type Config struct {
	TTL           time.Duration // running or pending jobs older than this expire
	Retention     time.Duration // terminal jobs older than this are evicted
	SweepInterval time.Duration
}

// DefaultConfig returns a 2 minute TTL and 5 minute retention.
func DefaultConfig() Config {
	return Config{
		TTL:           2 * time.Minute,
		Retention:     5 * time.Minute,
		SweepInterval: 5 * time.Second,
	}
}

type entry struct {
	job Job
}

// Registry is the mutex-owned job table.
type Registry struct {
	cfg      Config
	logger   *log.Logger
	observer Observer
	now      func() time.Time

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates an empty registry. logger and observer may be nil.
func New(cfg Config, logger *log.Logger, observer Observer) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.WithComponent("registry"),
		observer: observer,
		now:      time.Now,
		jobs:     make(map[string]*entry),
	}
}

// Create registers a Pending job for t and returns its fresh id.
func (r *Registry) Create(t block.Template) string {
	id, _ := r.create(uuid.NewString(), t)
	return id
}

// CreateWithID registers a Pending job under a caller-chosen id. It fails
// with a duplicate_job error when the id is already held.
func (r *Registry) CreateWithID(id string, t block.Template) error {
	_, err := r.create(id, t)
	return err
}

func (r *Registry) create(id string, t block.Template) (string, error) {
	now := r.now()

	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return "", errors.New(errors.ErrorTypeDuplicateJob, "create", "job id already registered").
			WithContext("job_id", id)
	}
	r.jobs[id] = &entry{job: Job{
		ID:        id,
		Template:  t,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	r.mu.Unlock()

	r.logger.WithJob(id, t.Height).Debug("job created")
	return id, nil
}

// Transition moves job id to status to. Found requires a seal. Illegal moves
// return an invalid_transition error and leave the job unchanged.
func (r *Registry) Transition(id string, to Status, seal *block.Seal) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return errors.UnknownJob("transition", id)
	}

	from := e.job.Status
	if !CanTransition(from, to) {
		r.mu.Unlock()
		err := errors.InvalidTransition(id, from.String(), to.String())
		r.logger.LogError("rejected job transition", err)
		return err
	}
	if to == StatusFound && seal == nil {
		r.mu.Unlock()
		return errors.New(errors.ErrorTypeValidation, "transition", "found requires a seal").
			WithContext("job_id", id)
	}

	r.applyLocked(e, to, seal)
	snapshot := snapshotOf(e)
	r.mu.Unlock()

	r.notify(snapshot, from)
	return nil
}

func (r *Registry) applyLocked(e *entry, to Status, seal *block.Seal) {
	e.job.Status = to
	e.job.UpdatedAt = r.now()
	if seal != nil {
		s := *seal
		s.Witness = append([]byte(nil), seal.Witness...)
		e.job.Result = &s
	}
}

func snapshotOf(e *entry) Job {
	j := e.job
	if j.Result != nil {
		s := *j.Result
		j.Result = &s
	}
	return j
}

func (r *Registry) notify(job Job, from Status) {
	r.logger.WithJob(job.ID, job.Template.Height).Debug("job transitioned",
		"from", from.String(),
		"to", job.Status.String(),
	)
	if r.observer != nil {
		r.observer.JobTransitioned(job, from)
	}
}

// Get returns a snapshot of job id.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return snapshotOf(e), true
}

// Active returns snapshots of every non-terminal job.
func (r *Registry) Active() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Job
	for _, e := range r.jobs {
		if !e.job.Status.Terminal() {
			out = append(out, snapshotOf(e))
		}
	}
	return out
}

// Running returns snapshots of every running job.
func (r *Registry) Running() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Job
	for _, e := range r.jobs {
		if e.job.Status == StatusRunning {
			out = append(out, snapshotOf(e))
		}
	}
	return out
}

// Len returns the number of jobs held, terminal ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// SupersedeByParent marks every non-terminal job built on a parent other
// than tip as Stale and returns their ids.
func (r *Registry) SupersedeByParent(tip chainhash.Hash) []string {
	type change struct {
		job  Job
		from Status
	}

	r.mu.Lock()
	var changes []change
	for _, e := range r.jobs {
		if e.job.Status.Terminal() || e.job.Template.Parent == tip {
			continue
		}
		from := e.job.Status
		r.applyLocked(e, StatusStale, nil)
		changes = append(changes, change{job: snapshotOf(e), from: from})
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.job.ID)
		r.notify(c.job, c.from)
	}
	return ids
}

// Sweep expires non-terminal jobs older than the TTL and evicts terminal jobs
// whose last update is older than the retention period. It returns the ids
// it expired.
func (r *Registry) Sweep(now time.Time) []string {
	type change struct {
		job  Job
		from Status
	}

	r.mu.Lock()
	var expired []change
	evicted := 0
	for id, e := range r.jobs {
		switch {
		case !e.job.Status.Terminal() && r.cfg.TTL > 0 && now.Sub(e.job.CreatedAt) >= r.cfg.TTL:
			from := e.job.Status
			e.job.Status = StatusExpired
			e.job.UpdatedAt = now
			expired = append(expired, change{job: snapshotOf(e), from: from})
		case e.job.Status.Terminal() && now.Sub(e.job.UpdatedAt) >= r.cfg.Retention:
			delete(r.jobs, id)
			evicted++
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, c := range expired {
		ids = append(ids, c.job.ID)
		r.notify(c.job, c.from)
	}
	if len(ids) > 0 || evicted > 0 {
		r.logger.Debug("registry swept", "expired", len(ids), "evicted", evicted)
	}
	return ids
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
