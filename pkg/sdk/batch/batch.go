package batch

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/sdk/transport"
)

// sendTimeout bounds a single transport call
const sendTimeout = 5 * time.Second

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration

	// OnError receives failures from background sends (default: log)
	OnError func(error)
}

// Batcher buffers readings and sends them by size or interval
type Batcher struct {
	config    Config
	transport transport.Transport

	readings []model.Reading
	mu       sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}

	// single flush at a time keeps Add from spawning unbounded goroutines
	flushing atomic.Bool
	inflight sync.WaitGroup
}

// New creates a new batcher
func New(t transport.Transport, config Config) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	if config.OnError == nil {
		config.OnError = func(err error) {
			log.Printf("dailyagg sdk: send failed: %v", err)
		}
	}
	return &Batcher{
		config:    config,
		transport: t,
		readings:  make([]model.Reading, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the periodic flush loop
func (b *Batcher) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop(ctx)
	return nil
}

// Add buffers a reading, flushing in the background once the batch is full
func (b *Batcher) Add(r model.Reading) {
	b.mu.Lock()
	b.readings = append(b.readings, r)
	shouldFlush := len(b.readings) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			defer b.flushing.Store(false)
			if err := b.Flush(); err != nil {
				b.config.OnError(err)
			}
		}()
	}
}

// Pending returns the number of buffered readings
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

// Flush synchronously sends all pending readings, in batches of at most MaxBatchSize
func (b *Batcher) Flush() error {
	for {
		batch := b.take()
		if len(batch) == 0 {
			return nil
		}
		if err := b.send(batch); err != nil {
			return err
		}
	}
}

// Stop stops the flush loop, waits for background sends and flushes the rest
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.inflight.Wait()
	return b.Flush()
}

func (b *Batcher) flushLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				if err := b.Flush(); err != nil {
					b.config.OnError(err)
				}
				b.flushing.Store(false)
			}
		}
	}
}

// take removes up to MaxBatchSize readings from the buffer
func (b *Batcher) take() []model.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.readings)
	if n == 0 {
		return nil
	}
	if n > b.config.MaxBatchSize {
		n = b.config.MaxBatchSize
	}

	batch := make([]model.Reading, n)
	copy(batch, b.readings[:n])
	b.readings = append(b.readings[:0], b.readings[n:]...)
	return batch
}

func (b *Batcher) send(readings []model.Reading) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return b.transport.Send(ctx, readings)
}
