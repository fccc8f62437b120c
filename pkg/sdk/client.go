package sdk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/sdk/batch"
	"github.com/nicktill/dailyagg/pkg/sdk/transport"
)

// ErrInvalidReading is returned by Record for readings the server would reject
var ErrInvalidReading = errors.New("invalid reading")

// ClientConfig holds configuration for the dailyagg client
type ClientConfig struct {
	// Endpoint is the server base URL (default http://localhost:8080)
	Endpoint     string        `json:"endpoint"`
	APIKey       string        `json:"api_key"`
	FlushEvery   time.Duration `json:"flush_every"`
	MaxBatchSize int           `json:"max_batch_size"`

	// OnError receives background send failures
	OnError func(error) `json:"-"`
}

// Client buffers device readings and queries daily aggregates
type Client struct {
	config    ClientConfig
	transport *transport.HTTPTransport
	batcher   *batch.Batcher

	mu      sync.Mutex
	started bool
}

// New creates a new client
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}

	trans, err := transport.NewHTTP(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return &Client{
		config:    cfg,
		transport: trans,
		batcher: batch.New(trans, batch.Config{
			MaxBatchSize: cfg.MaxBatchSize,
			FlushEvery:   cfg.FlushEvery,
			OnError:      cfg.OnError,
		}),
	}, nil
}

// Start begins periodic flushing
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("client already started")
	}
	if err := c.batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	c.started = true
	return nil
}

// Stop flushes remaining readings and stops the client
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	if err := c.batcher.Stop(); err != nil {
		return fmt.Errorf("failed to flush readings: %w", err)
	}
	return nil
}

// Record buffers one reading. Readings are sent in batches.
func (c *Client) Record(deviceID string, ts time.Time, energy, power float64) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidReading)
	}
	if ts.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidReading)
	}
	if math.IsNaN(energy) || math.IsInf(energy, 0) || math.IsNaN(power) || math.IsInf(power, 0) {
		return fmt.Errorf("%w: values must be finite", ErrInvalidReading)
	}

	c.batcher.Add(model.Reading{
		DeviceID:     deviceID,
		Timestamp:    ts,
		ActiveEnergy: energy,
		ActivePower:  power,
	})
	return nil
}

// Flush sends buffered readings now
func (c *Client) Flush() error {
	return c.batcher.Flush()
}

// QueryRange returns the daily aggregates of the devices within [start, end]
func (c *Client) QueryRange(ctx context.Context, deviceIDs []string, start, end time.Time) ([]model.DailyAggregate, error) {
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("at least one device id is required")
	}
	return c.transport.QueryAggregates(ctx, deviceIDs, start, end)
}
