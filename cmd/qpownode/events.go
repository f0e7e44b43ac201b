package main

import (
	"context"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/config"
	"github.com/bardlex/qpow/internal/database"
	"github.com/bardlex/qpow/internal/database/influx"
	"github.com/bardlex/qpow/internal/database/postgres"
	"github.com/bardlex/qpow/internal/database/redis"
	"github.com/bardlex/qpow/internal/messaging"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/log"
)

// Events fans import decisions, job transitions and miner availability out
// to the configured stores and the Kafka event stream. Either side may be
// absent.
type Events struct {
	DB        *database.Manager
	Publisher *messaging.Publisher

	kafka     *messaging.KafkaClient
	recorder  *database.Recorder
	drained   chan struct{}
	recorded  chan struct{}
	stop      context.CancelFunc
	retention time.Duration
	logger    *log.Logger
}

// databaseConfig returns the store configuration for cfg, or nil when no
// store is configured.
func databaseConfig(cfg *config.Config) *database.Config {
	if cfg.PostgresURL == "" && cfg.RedisURL == "" && cfg.InfluxURL == "" {
		return nil
	}
	dbConfig := &database.Config{}
	if cfg.PostgresURL != "" {
		dbConfig.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.RedisURL != "" {
		dbConfig.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbConfig
}

// newEvents connects whatever sinks cfg names. Background work runs until
// ctx is done or Close is called.
func newEvents(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Events, error) {
	ctx, stop := context.WithCancel(ctx)
	e := &Events{
		stop:      stop,
		retention: cfg.JobRetention,
		logger:    logger.WithComponent("events"),
	}

	if dbConfig := databaseConfig(cfg); dbConfig != nil {
		db, err := database.NewManager(dbConfig, logger)
		if err != nil {
			stop()
			return nil, err
		}
		if db.Postgres != nil {
			if err := db.Postgres.EnsureSchema(ctx); err != nil {
				_ = db.Close()
				stop()
				return nil, err
			}
		}
		db.StartPeriodicTasks(ctx)
		e.DB = db
		e.recorder = database.NewRecorder(db, 1024, logger)
		e.recorded = make(chan struct{})
		go func() {
			e.recorder.Run(ctx)
			close(e.recorded)
		}()
	}

	if len(cfg.KafkaBrokers) > 0 {
		e.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		e.Publisher = messaging.NewPublisher(e.kafka, 1024, logger)
		e.drained = make(chan struct{})
		go func() {
			e.Publisher.Run(ctx)
			close(e.drained)
		}()
	}

	return e, nil
}

// Close stops background publishing, flushes queued writes and closes every
// connection.
func (e *Events) Close() {
	if e.stop != nil {
		e.stop()
	}
	if e.drained != nil {
		<-e.drained
	}
	if e.recorded != nil {
		<-e.recorded
	}
	if e.kafka != nil {
		if err := e.kafka.Close(); err != nil {
			e.logger.Warn("failed to close Kafka client", "error", err)
		}
	}
	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			e.logger.Warn("failed to close databases", "error", err)
		}
	}
}

// BlockImported implements importer.Events. It runs under the import lock,
// so store writes are only queued here.
func (e *Events) BlockImported(ctx context.Context, jobID string, h *block.Header) {
	if e.recorder != nil {
		e.recorder.RecordImport(jobID, h)
	}
	if e.Publisher != nil {
		e.Publisher.BlockImported(ctx, jobID, h)
	}
}

// CandidateRejected implements importer.Events
func (e *Events) CandidateRejected(ctx context.Context, jobID string, h *block.Header, reason error) {
	if e.recorder != nil {
		e.recorder.RecordRejection(jobID, h, reason)
	}
	if e.Publisher != nil {
		e.Publisher.CandidateRejected(ctx, jobID, h, reason)
	}
}

// JobTransitioned implements registry.Observer
func (e *Events) JobTransitioned(job registry.Job, from registry.Status) {
	if e.recorder != nil {
		e.recorder.RecordJob(job, from, e.retention)
	}
	if e.Publisher != nil {
		e.Publisher.JobTransitioned(job, from)
	}
}

// Availability records a change in whether the node is mining
func (e *Events) Availability(mining bool, strategy string) {
	if e.DB != nil {
		e.DB.RecordAvailability(mining, strategy)
	}
	if e.Publisher != nil {
		e.Publisher.Availability(mining, strategy)
	}
}

// Report logs store health and recent mining history
func (e *Events) Report(ctx context.Context) {
	if e.DB == nil {
		return
	}
	if err := e.DB.Health(ctx); err != nil {
		e.logger.LogError("store health check failed", err)
	}
	sum, err := e.DB.Summary(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		e.logger.LogError("failed to summarise mining history", err)
		return
	}
	fields := []any{
		"blocks_imported_24h", sum.BlocksImported,
		"rejections_1h", sum.RecentRejections,
		"last_height", sum.LastHeight,
		"last_hash", sum.LastHash,
	}
	if e.recorder != nil {
		fields = append(fields, "writes_dropped", e.recorder.Dropped())
	}
	if e.Publisher != nil {
		fields = append(fields, "events_dropped", e.Publisher.Dropped())
	}
	e.logger.Info("mining summary", fields...)
}

// Retarget records the target chosen for height
func (e *Events) Retarget(height uint64, ratio float64, target block.Target) {
	if e.DB != nil {
		e.DB.RecordRetarget(height, ratio, target)
	}
}
