// Package main implements minerd, the external miner service for qpow.
// It accepts mining jobs over HTTP and searches them on a local worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/qpow/internal/config"
	"github.com/bardlex/qpow/internal/messaging"
	"github.com/bardlex/qpow/internal/minerapi"
	"github.com/bardlex/qpow/internal/mining"
	"github.com/bardlex/qpow/internal/worker"
	"github.com/bardlex/qpow/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"workers", cfg.LocalWorkers,
	)

	minerd := NewMinerd(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	listener, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		logger.WithError(err).Error("failed to listen")
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- minerd.Serve(ctx, listener)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("server failed")
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := minerd.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("minerd stopped")
}

// Minerd serves the mining API. With Kafka brokers configured it also
// follows the node's block imports.
type Minerd struct {
	cfg     *config.Config
	logger  *log.Logger
	service *mining.Service
	server  *http.Server
	imports *messaging.Consumer
}

// NewMinerd wires the mining service behind its HTTP API
func NewMinerd(cfg *config.Config, logger *log.Logger) *Minerd {
	service := mining.NewService(mining.Config{
		Workers:       cfg.LocalWorkers,
		CheckEvery:    worker.DefaultCheckEvery,
		JobTTL:        cfg.JobTTL,
		JobRetention:  cfg.JobRetention,
		SweepInterval: sweepInterval(cfg),
	}, logger, nil)

	api := minerapi.NewServer(service, minerapi.ServerConfig{
		RateLimit: cfg.MinerRateLimit,
		RateBurst: cfg.MinerRateBurst,
	}, logger)

	m := &Minerd{
		cfg:     cfg,
		logger:  logger.WithComponent("minerd"),
		service: service,
		server: &http.Server{
			Handler:      api.Handler(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	if len(cfg.KafkaBrokers) > 0 {
		m.imports = messaging.NewConsumer(cfg.KafkaBrokers, messaging.TopicBlockImported, importGroup(cfg), logger)
	}
	return m
}

// importGroup names the consumer group for block imports. Every minerd
// needs every import, so the default group is per host.
func importGroup(cfg *config.Config) string {
	if cfg.KafkaGroupID != "" {
		return cfg.KafkaGroupID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return cfg.ServiceName + "-" + host
}

// retireImported stops searches for a slot the chain has already filled.
// The node cancels its own jobs too; this covers cancels that never arrived.
func (m *Minerd) retireImported(_ context.Context, _ string, event *structpb.Struct) error {
	var msg messaging.BlockImportedMessage
	if err := messaging.FromStruct(event, &msg); err != nil {
		return err
	}
	parent, err := chainhash.NewHashFromStr(msg.Parent)
	if err != nil {
		return fmt.Errorf("block %s has a bad parent %q: %w", msg.Hash, msg.Parent, err)
	}

	if ids := m.service.RetireParent(*parent, msg.Height); len(ids) > 0 {
		m.logger.Info("retired searches for a filled slot",
			"parent", msg.Parent,
			"height", msg.Height,
			"block", msg.Hash,
			"jobs", len(ids),
		)
	}
	return nil
}

// sweepInterval picks how often expired jobs are collected
func sweepInterval(cfg *config.Config) time.Duration {
	interval := cfg.JobTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Serve runs the sweeper, the import consumer and the HTTP server on l
// until Shutdown
func (m *Minerd) Serve(ctx context.Context, l net.Listener) error {
	go m.service.Run(ctx, sweepInterval(m.cfg))
	if m.imports != nil {
		go func() {
			_ = m.imports.Run(ctx, m.retireImported)
		}()
	}

	m.logger.Info("miner API listening", "addr", l.Addr().String())
	if err := m.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("miner API: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, then cancels every running search
func (m *Minerd) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down minerd",
		"active_searches", m.service.Pool().ActiveSearches(),
		"total_hashes", m.service.Pool().TotalHashes(),
	)
	err := m.server.Shutdown(ctx)
	m.service.Close()
	return err
}
