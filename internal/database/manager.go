// Package database coordinates the node's optional stores: PostgreSQL for
// imported block history, Redis for shared dedup and job snapshots, and
// InfluxDB for metrics. Any of them may be absent.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/database/influx"
	"github.com/bardlex/qpow/internal/database/postgres"
	"github.com/bardlex/qpow/internal/database/redis"
	"github.com/bardlex/qpow/internal/difficulty"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/circuit"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/bardlex/qpow/pkg/log"
	"github.com/bardlex/qpow/pkg/retry"
)

// Manager coordinates database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Blocks     *postgres.BlockRepository
	Rejections *postgres.RejectionRepository

	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems. A nil entry leaves
// that store out.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to every configured store
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Nop()
	}
	m := &Manager{
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pgClient
		m.Blocks = postgres.NewBlockRepository(pgClient.DB())
		m.Rejections = postgres.NewRejectionRepository(pgClient.DB())
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			if closeErr := m.Close(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
			if closeErr := m.Close(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Influx = influxClient
	}

	return m, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of every configured store
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// SealedBlockFromHeader maps an imported header onto its stored form.
func SealedBlockFromHeader(jobID string, h *block.Header) *postgres.SealedBlock {
	return &postgres.SealedBlock{
		Hash:        h.Hash().String(),
		Parent:      h.Parent.String(),
		Height:      int64(h.Height),
		TimestampMs: int64(h.Timestamp),
		TxRoot:      h.TxRoot.String(),
		Beneficiary: h.Beneficiary,
		Target:      h.Target.String(),
		Nonce:       h.Seal.Nonce.String(),
		Digest:      h.Seal.Digest.String(),
		JobID:       jobID,
	}
}

// High-level operations that coordinate across multiple databases

// RecordImport stores an imported block. PostgreSQL is authoritative and
// retried; the metric and cache writes are best effort.
func (m *Manager) RecordImport(ctx context.Context, jobID string, h *block.Header) error {
	record := SealedBlockFromHeader(jobID, h)

	if m.Blocks != nil {
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				if err := m.Blocks.CreateBlock(ctx, record); err != nil {
					return errors.Wrap(err, errors.ErrorTypeDatabase, "record_import",
						"failed to store block in PostgreSQL").
						WithContext("block_hash", record.Hash).
						WithContext("height", record.Height).
						WithContext("job_id", jobID)
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}

	if m.Influx != nil {
		m.Influx.WriteBlockImported(h.Height, record.Hash)
	}

	if m.Redis != nil {
		blockKey := fmt.Sprintf("block:%d", h.Height)
		if err := m.Redis.SetCache(ctx, blockKey, record, 24*time.Hour); err != nil {
			m.logger.Warn("failed to cache block (non-critical)", "height", h.Height, "error", err)
		}
		if _, err := m.Redis.IncrementCounter(ctx, "blocks_imported", 24*time.Hour); err != nil {
			m.logger.Debug("failed to count import", "error", err)
		}
	}

	return nil
}

// RecordRejection stores a rejected candidate. Failures are logged only;
// rejections are diagnostics.
func (m *Manager) RecordRejection(ctx context.Context, jobID string, h *block.Header, reason error) {
	kind := string(errors.TypeOf(reason))

	if m.Influx != nil {
		m.Influx.WriteRejection(kind)
	}

	if m.Rejections != nil {
		rej := &postgres.Rejection{
			JobID:  jobID,
			Height: int64(h.Height),
			Parent: h.Parent.String(),
			Nonce:  h.Seal.Nonce.String(),
			Reason: reason.Error(),
		}
		if err := m.Rejections.CreateRejection(ctx, rej); err != nil {
			m.logger.Warn("failed to store rejection", "job_id", jobID, "error", err)
		}
	}
}

// RecordJob caches a job snapshot and writes a transition point.
func (m *Manager) RecordJob(ctx context.Context, job registry.Job, from registry.Status, ttl time.Duration) {
	if m.Influx != nil {
		m.Influx.WriteJobTransition(job.Template.Height, from.String(), job.Status.String())
	}

	if m.Redis != nil {
		snap := &redis.JobSnapshot{
			JobID:     job.ID,
			Height:    job.Template.Height,
			Parent:    job.Template.Parent.String(),
			Status:    job.Status.String(),
			UpdatedAt: job.UpdatedAt,
		}
		if job.Result != nil {
			snap.Nonce = job.Result.Nonce.String()
		}
		if err := m.Redis.SetJob(ctx, snap, ttl); err != nil {
			m.logger.Debug("failed to cache job snapshot", "job_id", job.ID, "error", err)
		}
	}
}

// RecordAvailability writes a miner availability point.
func (m *Manager) RecordAvailability(mining bool, strategy string) {
	if m.Influx != nil {
		m.Influx.WriteAvailability(mining, strategy)
	}
}

// RecordRetarget writes the target chosen for height.
func (m *Manager) RecordRetarget(height uint64, ratio float64, target block.Target) {
	if m.Influx != nil {
		m.Influx.WriteRetarget(height, ratio, target.String())
	}
}

// LoadWindow rebuilds a difficulty window from stored history. It returns
// an empty window when PostgreSQL is not configured.
func (m *Manager) LoadWindow(ctx context.Context, parent string, depth int) (difficulty.Window, error) {
	if m.Blocks == nil {
		return nil, nil
	}
	return retry.DoWithResult(ctx, m.retryConfig, func() (difficulty.Window, error) {
		w, err := m.Blocks.LoadWindow(ctx, parent, depth)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "load_window",
				"failed to load difficulty window").
				WithContext("parent", parent)
		}
		return w, nil
	})
}

// Summary is a point-in-time view of stored mining history
type Summary struct {
	BlocksImported   int64 // imports counted in the last day
	RecentRejections int64
	LastHash         string
	LastHeight       int64
}

// Summary collects what the configured stores know about recent mining.
// Stores that are absent leave their fields zero.
func (m *Manager) Summary(ctx context.Context, since time.Time) (Summary, error) {
	var s Summary

	if m.Redis != nil {
		n, err := m.Redis.GetCounter(ctx, "blocks_imported")
		if err != nil {
			return s, errors.Wrap(err, errors.ErrorTypeDatabase, "summary", "failed to read import counter")
		}
		s.BlocksImported = n
	}

	if m.Rejections != nil {
		n, err := m.Rejections.CountSince(ctx, since)
		if err != nil {
			return s, errors.Wrap(err, errors.ErrorTypeDatabase, "summary", "failed to count rejections")
		}
		s.RecentRejections = n
	}

	if m.Blocks != nil {
		recent, err := m.Blocks.GetRecentBlocks(ctx, 1, 0)
		if err != nil {
			return s, errors.Wrap(err, errors.ErrorTypeDatabase, "summary", "failed to read latest block")
		}
		if len(recent) > 0 {
			s.LastHash = recent[0].Hash
			s.LastHeight = recent[0].Height
		}
	}

	return s, nil
}

// StartPeriodicTasks flushes buffered metrics until ctx is done
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}
