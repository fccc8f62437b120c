// Package stream records readings consumed from a Kafka topic.
//
// Each message value is one JSON model.Reading. A message is committed only
// after it was recorded or deliberately skipped, so a crash mid-retry
// redelivers it.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/config"
	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/telemetry"
)

// Config holds the Kafka connection settings
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader builds a consumer group reader for cfg
func NewReader(cfg Config) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	}), nil
}

// MessageReader is the subset of *kafka.Reader the consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Recorder records one reading. Implemented by *aggregate.Aggregator.
type Recorder interface {
	Record(ctx context.Context, r model.Reading) (*model.DailyAggregate, error)
}

// Stats counts consumer outcomes
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Skipped  uint64 `json:"skipped"`
	Retries  uint64 `json:"retries"`
}

// Consumer pulls readings from a MessageReader into a Recorder
type Consumer struct {
	reader   MessageReader
	recorder Recorder
	metrics  *telemetry.Metrics

	initialBackoff time.Duration
	maxBackoff     time.Duration

	recorded atomic.Uint64
	skipped  atomic.Uint64
	retries  atomic.Uint64
}

// Option configures a Consumer
type Option func(*Consumer)

// WithBackoff sets the retry delay bounds for store failures
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Consumer) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithMetrics counts record errors in m
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// NewConsumer creates a consumer
func NewConsumer(reader MessageReader, recorder Recorder, opts ...Option) *Consumer {
	c := &Consumer{
		reader:         reader,
		recorder:       recorder,
		initialBackoff: config.StreamRetryInitial,
		maxBackoff:     config.StreamRetryMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled or the reader is closed
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("Stream consumer started")
	defer log.Printf("Stream consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Printf("Stream fetch failed: %v", err)
			if err := sleep(ctx, c.initialBackoff); err != nil {
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			// Only cancellation stops handle; the message stays uncommitted
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("Stream commit failed at offset %d: %v", msg.Offset, err)
		}
	}
}

// handle records msg, retrying store failures with exponential backoff.
// It returns an error only when ctx is cancelled before the reading was recorded.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var reading model.Reading
	if err := json.Unmarshal(msg.Value, &reading); err != nil {
		c.skip(msg, fmt.Errorf("%w: undecodable message: %v", aggregate.ErrInvalidInput, err))
		return nil
	}

	backoff := c.initialBackoff
	for {
		_, err := c.recorder.Record(ctx, reading)
		if err == nil {
			c.recorded.Add(1)
			return nil
		}

		if !errors.Is(err, aggregate.ErrStoreUnavailable) {
			c.skip(msg, err)
			return nil
		}

		c.metrics.RecordError(err)
		c.retries.Add(1)
		log.Printf("Store unavailable for offset %d, retrying in %v: %v", msg.Offset, backoff, err)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Consumer) skip(msg kafka.Message, err error) {
	c.skipped.Add(1)
	c.metrics.RecordError(err)
	log.Printf("Skipping message at partition %d offset %d: %v", msg.Partition, msg.Offset, err)
}

// Stats returns a snapshot of the consumer counters
func (c *Consumer) Stats() Stats {
	return Stats{
		Recorded: c.recorded.Load(),
		Skipped:  c.skipped.Load(),
		Retries:  c.retries.Load(),
	}
}

// Close closes the underlying reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
