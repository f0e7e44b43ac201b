// Package influx provides InfluxDB time-series metrics for qpow: job
// lifecycle, retargets, imports, rejections and miner availability.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Mining metrics

// WriteJobTransition records a job status change
func (c *Client) WriteJobTransition(height uint64, from, to string) {
	c.writeAPI.WritePoint(jobPoint(height, from, to, time.Now()))
}

func jobPoint(height uint64, from, to string, ts time.Time) *write.Point {
	tags := map[string]string{
		"from": from,
		"to":   to,
	}
	fields := map[string]interface{}{
		"height": int64(height),
		"count":  1,
	}
	return write.NewPoint("jobs", tags, fields, ts)
}

// WriteRetarget records the target chosen for height
func (c *Client) WriteRetarget(height uint64, ratio float64, target string) {
	c.writeAPI.WritePoint(retargetPoint(height, ratio, target, time.Now()))
}

func retargetPoint(height uint64, ratio float64, target string, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"height": int64(height),
		"ratio":  ratio,
		"target": target,
	}
	return write.NewPoint("retarget", map[string]string{}, fields, ts)
}

// WriteBlockImported records an imported block
func (c *Client) WriteBlockImported(height uint64, hash string) {
	c.writeAPI.WritePoint(blockPoint(height, hash, time.Now()))
}

func blockPoint(height uint64, hash string, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"height": int64(height),
		"hash":   hash,
		"count":  1,
	}
	return write.NewPoint("blocks", map[string]string{}, fields, ts)
}

// WriteRejection records a rejected candidate by error type
func (c *Client) WriteRejection(reason string) {
	c.writeAPI.WritePoint(write.NewPoint("rejections",
		map[string]string{"reason": reason},
		map[string]interface{}{"count": 1},
		time.Now()))
}

// WriteAvailability records whether the node currently has a working miner
func (c *Client) WriteAvailability(mining bool, strategy string) {
	c.writeAPI.WritePoint(availabilityPoint(mining, strategy, time.Now()))
}

func availabilityPoint(mining bool, strategy string, ts time.Time) *write.Point {
	value := 0
	if mining {
		value = 1
	}
	return write.NewPoint("miner_availability",
		map[string]string{"strategy": strategy},
		map[string]interface{}{"mining": value},
		ts)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
