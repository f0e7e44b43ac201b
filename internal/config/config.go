// Package config provides configuration management for the qpow services.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the global configuration for qpow services
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string
	DevMode     bool

	// Network configuration
	ListenAddr string
	ListenPort int

	// Difficulty controller
	RetargetWindow      int
	MedianTimeSpan      int
	TargetBlockInterval time.Duration
	AdjustMinRatio      float64
	AdjustMaxRatio      float64
	MaxFutureDrift      time.Duration
	GenesisTargetBits   uint // leading zero bits of the genesis target
	EasiestTargetBits   uint
	HardestTargetBits   uint

	// Job lifecycle
	JobTTL       time.Duration
	JobRetention time.Duration
	DedupTTL     time.Duration
	PollInterval time.Duration

	// Mining
	Beneficiary         string // base58check payout address; empty leaves it unset
	MinerEndpoint       string
	MinerFallbackLocal  bool
	LocalWorkers        int
	MinerMaxRetries     int
	MinerBaseBackoff    time.Duration
	MinerMaxBackoff     time.Duration
	MinerRequestTimeout time.Duration
	MinerRateLimit      float64
	MinerRateBurst      int

	// Chain collaborator
	ChainRPCHost     string
	ChainRPCPort     int
	ChainRPCUser     string
	ChainRPCPassword string
	ChainZMQAddr     string

	// Kafka configuration
	KafkaBrokers []string
	KafkaGroupID string // minerd import consumer group; empty means per host

	// Database connections
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// HTTP server timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "qpow"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),
		DevMode:     getEnvBool("DEV_MODE", false),

		ListenAddr: getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort: getEnvInt("LISTEN_PORT", 9933),

		RetargetWindow:      getEnvInt("RETARGET_WINDOW", 10),
		MedianTimeSpan:      getEnvInt("MEDIAN_TIME_SPAN", 11),
		TargetBlockInterval: getEnvDuration("TARGET_BLOCK_INTERVAL", 6*time.Second),
		AdjustMinRatio:      getEnvFloat("ADJUST_MIN_RATIO", 0.25),
		AdjustMaxRatio:      getEnvFloat("ADJUST_MAX_RATIO", 4.0),
		MaxFutureDrift:      getEnvDuration("MAX_FUTURE_DRIFT", 2*time.Minute),
		GenesisTargetBits:   uint(getEnvInt("GENESIS_TARGET_BITS", 12)),
		EasiestTargetBits:   uint(getEnvInt("EASIEST_TARGET_BITS", 1)),
		HardestTargetBits:   uint(getEnvInt("HARDEST_TARGET_BITS", 256)),

		JobTTL:       getEnvDuration("JOB_TTL", 2*time.Minute),
		JobRetention: getEnvDuration("JOB_RETENTION", 5*time.Minute),
		DedupTTL:     getEnvDuration("DEDUP_TTL", 30*time.Second),
		PollInterval: getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),

		Beneficiary:         getEnv("BENEFICIARY", ""),
		MinerEndpoint:       getEnv("MINER_ENDPOINT", ""),
		MinerFallbackLocal:  getEnvBool("MINER_FALLBACK_LOCAL", true),
		LocalWorkers:        getEnvInt("LOCAL_WORKERS", 4),
		MinerMaxRetries:     getEnvInt("MINER_MAX_RETRIES", 4),
		MinerBaseBackoff:    getEnvDuration("MINER_BASE_BACKOFF", 100*time.Millisecond),
		MinerMaxBackoff:     getEnvDuration("MINER_MAX_BACKOFF", 2*time.Second),
		MinerRequestTimeout: getEnvDuration("MINER_REQUEST_TIMEOUT", 3*time.Second),
		MinerRateLimit:      getEnvFloat("MINER_RATE_LIMIT", 100),
		MinerRateBurst:      getEnvInt("MINER_RATE_BURST", 20),

		ChainRPCHost:     getEnv("CHAIN_RPC_HOST", "localhost"),
		ChainRPCPort:     getEnvInt("CHAIN_RPC_PORT", 9944),
		ChainRPCUser:     getEnv("CHAIN_RPC_USER", ""),
		ChainRPCPassword: getEnv("CHAIN_RPC_PASSWORD", ""),
		ChainZMQAddr:     getEnv("CHAIN_ZMQ_ADDR", "tcp://localhost:28332"),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", ""),

		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "qpow"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getEnvDuration("IDLE_TIMEOUT", 120*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ListenAddress returns host:port for HTTP listeners
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.RetargetWindow < 2 {
		return fmt.Errorf("RETARGET_WINDOW must be at least 2")
	}

	if c.MedianTimeSpan < 1 {
		return fmt.Errorf("MEDIAN_TIME_SPAN must be positive")
	}

	if c.TargetBlockInterval <= 0 {
		return fmt.Errorf("TARGET_BLOCK_INTERVAL must be positive")
	}

	if c.AdjustMinRatio <= 0 || c.AdjustMinRatio > 1 {
		return fmt.Errorf("ADJUST_MIN_RATIO must be in (0, 1]")
	}

	if c.AdjustMaxRatio < 1 {
		return fmt.Errorf("ADJUST_MAX_RATIO must be at least 1")
	}

	if c.EasiestTargetBits > c.GenesisTargetBits || c.GenesisTargetBits > c.HardestTargetBits {
		return fmt.Errorf("target bits must satisfy EASIEST <= GENESIS <= HARDEST")
	}

	if c.HardestTargetBits > 511 {
		return fmt.Errorf("HARDEST_TARGET_BITS must be below 512")
	}

	if c.JobTTL <= 0 {
		return fmt.Errorf("JOB_TTL must be positive")
	}

	if c.JobRetention < 0 || c.DedupTTL < 0 {
		return fmt.Errorf("JOB_RETENTION and DEDUP_TTL cannot be negative")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.LocalWorkers < 1 {
		return fmt.Errorf("LOCAL_WORKERS must be at least 1")
	}

	if c.MinerMaxRetries < 1 {
		return fmt.Errorf("MINER_MAX_RETRIES must be at least 1")
	}

	if c.MinerMaxBackoff < c.MinerBaseBackoff {
		return fmt.Errorf("MINER_MAX_BACKOFF must not be below MINER_BASE_BACKOFF")
	}

	if c.MinerRateLimit <= 0 || c.MinerRateBurst < 1 {
		return fmt.Errorf("MINER_RATE_LIMIT and MINER_RATE_BURST must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
