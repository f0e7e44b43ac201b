package main

import (
	"fmt"

	"github.com/bardlex/qpow/internal/config"
	"github.com/bardlex/qpow/internal/miner"
	"github.com/bardlex/qpow/internal/minerapi"
	"github.com/bardlex/qpow/internal/mining"
	"github.com/bardlex/qpow/internal/worker"
	"github.com/bardlex/qpow/pkg/log"
)

// newStrategies picks where work goes. With a miner endpoint the remote
// service is primary and the in-process pool is the optional fallback;
// without one the pool is primary. svc is the in-process service, if any.
func newStrategies(cfg *config.Config, logger *log.Logger) (primary, fallback miner.Strategy, svc *mining.Service, err error) {
	if cfg.MinerEndpoint == "" || cfg.MinerFallbackLocal {
		svc = mining.NewService(mining.Config{
			Workers:      cfg.LocalWorkers,
			CheckEvery:   worker.DefaultCheckEvery,
			JobTTL:       cfg.JobTTL,
			JobRetention: cfg.JobRetention,
		}, logger, nil)
	}

	if cfg.MinerEndpoint == "" {
		return miner.NewLocalStrategy(svc), nil, svc, nil
	}

	client, err := minerapi.NewClient(cfg.MinerEndpoint, minerapi.WithTimeout(cfg.MinerRequestTimeout))
	if err != nil {
		if svc != nil {
			svc.Close()
		}
		return nil, nil, nil, fmt.Errorf("miner endpoint: %w", err)
	}
	remote := miner.NewRemoteStrategy(client, miner.RemoteConfig{
		MaxRetries:     cfg.MinerMaxRetries,
		BaseBackoff:    cfg.MinerBaseBackoff,
		MaxBackoff:     cfg.MinerMaxBackoff,
		RequestTimeout: cfg.MinerRequestTimeout,
	}, logger)

	if svc != nil {
		return remote, miner.NewLocalStrategy(svc), svc, nil
	}
	return remote, nil, nil, nil
}
