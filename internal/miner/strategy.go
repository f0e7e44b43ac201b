// Package miner is the node side of mining. It hands templates to a
// strategy (the in-process worker pool or a remote miner service), polls
// them for candidate seals and cancels work the chain has moved past.
package miner

import (
	"context"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/mining"
)

// Result is what a strategy knows about one job.
type Result struct {
	State     mining.State
	Seal      *block.Seal
	HashCount uint64
	Elapsed   time.Duration
}

// Strategy is a place work can be sent.
type Strategy interface {
	Name() string
	Submit(ctx context.Context, jobID string, t *block.Template) error
	Poll(ctx context.Context, jobID string) (Result, error)
	Cancel(ctx context.Context, jobID string) error
}

// availability is implemented by strategies that can be temporarily
// unusable.
type availability interface {
	Available() bool
}

func available(s Strategy) bool {
	if a, ok := s.(availability); ok {
		return a.Available()
	}
	return true
}

// LocalStrategy mines in-process.
type LocalStrategy struct {
	service *mining.Service
}

// NewLocalStrategy wraps svc.
func NewLocalStrategy(svc *mining.Service) *LocalStrategy {
	return &LocalStrategy{service: svc}
}

// Name implements Strategy.
func (l *LocalStrategy) Name() string { return "local" }

// Submit implements Strategy.
func (l *LocalStrategy) Submit(_ context.Context, jobID string, t *block.Template) error {
	_, err := l.service.Submit(mining.Request{
		JobID:       jobID,
		Parent:      t.Parent,
		Height:      t.Height,
		Target:      t.Target,
		HeaderBytes: t.HeaderBytes(),
	})
	return err
}

// Poll implements Strategy.
func (l *LocalStrategy) Poll(_ context.Context, jobID string) (Result, error) {
	st := l.service.Poll(jobID)
	return Result{State: st.State, Seal: st.Seal, HashCount: st.HashCount, Elapsed: st.Elapsed}, nil
}

// Cancel implements Strategy.
func (l *LocalStrategy) Cancel(_ context.Context, jobID string) error {
	l.service.Cancel(jobID)
	return nil
}
