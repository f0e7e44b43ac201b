package database

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/log"
)

// Store is the part of Manager that Recorder writes through
type Store interface {
	RecordImport(ctx context.Context, jobID string, h *block.Header) error
	RecordRejection(ctx context.Context, jobID string, h *block.Header, reason error)
	RecordJob(ctx context.Context, job registry.Job, from registry.Status, ttl time.Duration)
}

type pendingWrite struct {
	op    string
	jobID string
	fn    func(ctx context.Context) error
}

// Recorder moves store writes off the caller's goroutine. Record calls only
// enqueue; Run performs the writes with their retries and breaker, so the
// import hook and registry observers never wait on a database.
type Recorder struct {
	store   Store
	queue   chan pendingWrite
	timeout time.Duration
	logger  *log.Logger

	dropped atomic.Uint64
}

// NewRecorder creates a recorder with a queue of size buffer
func NewRecorder(store Store, buffer int, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Nop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		store:   store,
		queue:   make(chan pendingWrite, buffer),
		timeout: 15 * time.Second,
		logger:  logger.WithComponent("recorder"),
	}
}

// Dropped returns how many writes were discarded because the queue was full
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) enqueue(w pendingWrite) {
	select {
	case r.queue <- w:
	default:
		r.dropped.Add(1)
		r.logger.Warn("store queue full, dropping write", "op", w.op, "job_id", w.jobID)
	}
}

// RecordImport queues an imported block
func (r *Recorder) RecordImport(jobID string, h *block.Header) {
	hc := *h
	r.enqueue(pendingWrite{op: "record_import", jobID: jobID, fn: func(ctx context.Context) error {
		return r.store.RecordImport(ctx, jobID, &hc)
	}})
}

// RecordRejection queues a rejected candidate
func (r *Recorder) RecordRejection(jobID string, h *block.Header, reason error) {
	hc := *h
	r.enqueue(pendingWrite{op: "record_rejection", jobID: jobID, fn: func(ctx context.Context) error {
		r.store.RecordRejection(ctx, jobID, &hc, reason)
		return nil
	}})
}

// RecordJob queues a job snapshot
func (r *Recorder) RecordJob(job registry.Job, from registry.Status, ttl time.Duration) {
	r.enqueue(pendingWrite{op: "record_job", jobID: job.ID, fn: func(ctx context.Context) error {
		r.store.RecordJob(ctx, job, from, ttl)
		return nil
	}})
}

// Run performs queued writes until ctx is done, then flushes what is left
// with a short deadline.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case w := <-r.queue:
			r.write(ctx, w)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case w := <-r.queue:
			r.write(ctx, w)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, w pendingWrite) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := w.fn(ctx); err != nil {
		r.logger.LogError("store write failed", err, "op", w.op, "job_id", w.jobID)
	}
}
