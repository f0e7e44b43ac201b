package miner

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/minerapi"
	"github.com/bardlex/qpow/internal/mining"
	"github.com/bardlex/qpow/pkg/circuit"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/bardlex/qpow/pkg/log"
	"github.com/bardlex/qpow/pkg/retry"
)

// RemoteConfig tunes calls to a remote miner service.
type RemoteConfig struct {
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	RequestTimeout  time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// DefaultRemoteConfig returns the settings used when none are configured.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		MaxRetries:      4,
		BaseBackoff:     100 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		RequestTimeout:  3 * time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  30 * time.Second,
	}
}

// RemoteStrategy mines on a miner service reached over HTTP. Each call is
// retried with backoff; a call that still fails counts against a circuit
// breaker, and while the breaker is open calls fail immediately.
type RemoteStrategy struct {
	client  *minerapi.Client
	retry   *retry.Config
	breaker *circuit.Breaker
	timeout time.Duration
	logger  *log.Logger
}

// NewRemoteStrategy creates a strategy over client.
func NewRemoteStrategy(client *minerapi.Client, cfg RemoteConfig, logger *log.Logger) *RemoteStrategy {
	if logger == nil {
		logger = log.Nop()
	}
	defaults := DefaultRemoteConfig()
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	r := &RemoteStrategy{
		client:  client,
		timeout: cfg.RequestTimeout,
		logger:  logger.WithStrategy("remote").WithFields("endpoint", client.Endpoint()),
	}

	r.retry = retry.RemoteMinerConfig(cfg.MaxRetries, cfg.BaseBackoff, cfg.MaxBackoff)
	r.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		r.logger.Debug("retrying miner call", "attempt", attempt+1, "delay_ms", delay.Milliseconds(), "error", err.Error())
	}

	r.breaker = circuit.New(&circuit.Config{
		Name:            "remote_miner",
		MaxFailures:     cfg.BreakerFailures,
		SuccessRequired: 1,
		Timeout:         cfg.BreakerTimeout,
		ResetTimeout:    2 * cfg.BreakerTimeout,
		OnStateChange: func(from, to circuit.State) {
			r.logger.Warn("miner circuit changed state", "from", from.String(), "to", to.String())
		},
	})
	return r
}

// Name implements Strategy.
func (r *RemoteStrategy) Name() string { return "remote" }

// Available reports whether the breaker lets calls through. It turns true
// again once the breaker timeout passes, so the next job is the trial call.
func (r *RemoteStrategy) Available() bool {
	return r.breaker.Ready()
}

// Breaker exposes the breaker for stats.
func (r *RemoteStrategy) Breaker() *circuit.Breaker {
	return r.breaker
}

// call runs fn under retry and the breaker. Only unreachable failures trip
// the breaker; a 4xx from a live service does not.
func (r *RemoteStrategy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	var callErr error
	err := r.breaker.Execute(ctx, func() error {
		callErr = retry.Do(ctx, r.retry, func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return retryableDeadline(ctx, cctx, fn(cctx))
		})
		if errors.IsType(callErr, errors.ErrorTypeUnreachable) {
			return callErr
		}
		return nil
	})
	if err != nil {
		return err
	}
	return callErr
}

// retryableDeadline marks err retryable when only the per-attempt deadline
// expired and the caller is still waiting.
func retryableDeadline(parent, attempt context.Context, err error) error {
	if err == nil || parent.Err() != nil || attempt.Err() == nil {
		return err
	}
	var se *errors.ServiceError
	if stderrors.As(err, &se) {
		se.Retryable = true
	}
	return err
}

// Submit implements Strategy. A 409 means an earlier attempt that looked
// lost did arrive, so it counts as success.
func (r *RemoteStrategy) Submit(ctx context.Context, jobID string, t *block.Template) error {
	req := minerapi.NewMineRequest(jobID, t)
	err := r.call(ctx, func(ctx context.Context) error {
		_, err := r.client.Mine(ctx, req)
		return err
	})
	if errors.IsType(err, errors.ErrorTypeDuplicateJob) {
		return nil
	}
	return err
}

// Poll implements Strategy.
func (r *RemoteStrategy) Poll(ctx context.Context, jobID string) (Result, error) {
	var resp minerapi.ResultResponse
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = r.client.Result(ctx, jobID)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	seal, err := resp.Seal()
	if err != nil {
		return Result{}, errors.Wrap(err, errors.ErrorTypeInvalid, "remote_poll", "malformed seal from miner").
			WithContext("job_id", jobID)
	}
	return Result{
		State:     mining.State(resp.Status),
		Seal:      seal,
		HashCount: resp.HashCount,
		Elapsed:   resp.Elapsed(),
	}, nil
}

// Cancel implements Strategy. Cancels are best effort and not retried.
func (r *RemoteStrategy) Cancel(ctx context.Context, jobID string) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.client.Cancel(cctx, jobID)
	return err
}
