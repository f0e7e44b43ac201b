// Package redis provides the Redis client shared by qpow nodes: the template
// dedup store, job status snapshots and small caches.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the node
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration. URL takes precedence over
// Addr when set.
type Config struct {
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Template dedup

// Claim records jobID as the miner of a template hash unless another job
// holds it. It returns the holder and whether this call became the holder.
func (c *Client) Claim(ctx context.Context, templateHash, jobID string, ttl time.Duration) (string, bool, error) {
	key := fmt.Sprintf("dedup:%s", templateHash)
	ok, err := c.rdb.SetNX(ctx, key, jobID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to claim template: %w", err)
	}
	if ok {
		return jobID, true, nil
	}

	holder, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// expired between SETNX and GET; the caller mines unclaimed
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read template claim: %w", err)
	}
	return holder, false, nil
}

// Release drops the claim on a template hash.
func (c *Client) Release(ctx context.Context, templateHash string) error {
	key := fmt.Sprintf("dedup:%s", templateHash)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release template: %w", err)
	}
	return nil
}

// Job snapshots

// JobSnapshot is the cached view of a job for dashboards and other nodes.
type JobSnapshot struct {
	JobID     string    `json:"job_id"`
	Height    uint64    `json:"height"`
	Parent    string    `json:"parent"`
	Status    string    `json:"status"`
	Nonce     string    `json:"nonce,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetJob stores a job snapshot with expiration
func (c *Client) SetJob(ctx context.Context, job *JobSnapshot, expiration time.Duration) error {
	jsonData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}

	key := fmt.Sprintf("job:%s", job.JobID)
	if err := c.rdb.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set job snapshot: %w", err)
	}

	return nil
}

// GetJob retrieves a job snapshot
func (c *Client) GetJob(ctx context.Context, jobID string) (*JobSnapshot, error) {
	key := fmt.Sprintf("job:%s", jobID)
	jsonData, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("job snapshot not found")
		}
		return nil, fmt.Errorf("failed to get job snapshot: %w", err)
	}

	job := &JobSnapshot{}
	if err := json.Unmarshal([]byte(jsonData), job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job snapshot: %w", err)
	}

	return job, nil
}

// Counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Caching

// SetCache stores data in cache with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	cacheKey := fmt.Sprintf("cache:%s", key)
	if err := c.rdb.Set(ctx, cacheKey, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetCache retrieves data from cache
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	cacheKey := fmt.Sprintf("cache:%s", key)
	jsonData, err := c.rdb.Get(ctx, cacheKey).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("cache miss")
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return nil
}
