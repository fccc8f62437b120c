package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/dailyagg/pkg/model"
)

// mockTransport records every batch it is asked to send
type mockTransport struct {
	mu      sync.Mutex
	batches [][]model.Reading
	sendErr error
	delay   time.Duration
	active  int
	maxSeen int
}

func (m *mockTransport) Send(ctx context.Context, batch []model.Reading) error {
	m.mu.Lock()
	m.active++
	if m.active > m.maxSeen {
		m.maxSeen = m.active
	}
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--

	batchCopy := make([]model.Reading, len(batch))
	copy(batchCopy, batch)
	m.batches = append(m.batches, batchCopy)
	return m.sendErr
}

func (m *mockTransport) getBatches() [][]model.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]model.Reading, len(m.batches))
	copy(result, m.batches)
	return result
}

func (m *mockTransport) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func reading(i int) model.Reading {
	return model.Reading{
		DeviceID:     "meter-1",
		Timestamp:    time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		ActiveEnergy: float64(i),
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(&mockTransport{}, Config{})
	if b.config.MaxBatchSize != 1000 {
		t.Errorf("MaxBatchSize = %d, want 1000", b.config.MaxBatchSize)
	}
	if b.config.FlushEvery != 5*time.Second {
		t.Errorf("FlushEvery = %v, want 5s", b.config.FlushEvery)
	}
	if b.config.OnError == nil {
		t.Error("OnError default not set")
	}
}

func TestAddTriggersFlushWhenFull(t *testing.T) {
	transport := &mockTransport{}
	b := New(transport, Config{MaxBatchSize: 10, FlushEvery: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	for i := 0; i < 10; i++ {
		b.Add(reading(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for transport.total() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := transport.total(); got != 10 {
		t.Fatalf("Expected 10 readings sent, got %d", got)
	}
}

func TestConcurrentAddSingleFlush(t *testing.T) {
	transport := &mockTransport{delay: 20 * time.Millisecond}
	b := New(transport, Config{MaxBatchSize: 5, FlushEvery: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				b.Add(reading(i))
			}
		}()
	}
	wg.Wait()

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := transport.total(); got != 200 {
		t.Errorf("Expected all 200 readings sent, got %d", got)
	}
	if transport.maxSeen > 1 {
		t.Errorf("Expected at most one concurrent send, saw %d", transport.maxSeen)
	}
	for _, batch := range transport.getBatches() {
		if len(batch) > 5 {
			t.Errorf("Batch of %d exceeds MaxBatchSize", len(batch))
		}
	}
}

func TestPeriodicFlush(t *testing.T) {
	transport := &mockTransport{}
	b := New(transport, Config{MaxBatchSize: 100, FlushEvery: 20 * time.Millisecond})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	b.Add(reading(1))
	b.Add(reading(2))

	deadline := time.Now().Add(2 * time.Second)
	for transport.total() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := transport.total(); got != 2 {
		t.Fatalf("Expected periodic flush to send 2 readings, got %d", got)
	}
}

func TestStopFlushesPending(t *testing.T) {
	transport := &mockTransport{}
	b := New(transport, Config{MaxBatchSize: 100, FlushEvery: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		b.Add(reading(i))
	}
	if b.Pending() != 3 {
		t.Fatalf("Expected 3 pending, got %d", b.Pending())
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := transport.total(); got != 3 {
		t.Errorf("Expected Stop to flush 3 readings, got %d", got)
	}

	// Order within a batch is preserved
	batch := transport.getBatches()[0]
	for i, r := range batch {
		if r.ActiveEnergy != float64(i) {
			t.Errorf("batch[%d].ActiveEnergy = %v, want %d", i, r.ActiveEnergy, i)
		}
	}
}

func TestFlushSplitsLargeBuffer(t *testing.T) {
	transport := &mockTransport{}
	b := New(transport, Config{MaxBatchSize: 4, FlushEvery: time.Hour})

	// Fill the buffer directly so Add does not fire a background flush
	b.mu.Lock()
	for i := 0; i < 10; i++ {
		b.readings = append(b.readings, reading(i))
	}
	b.mu.Unlock()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	batches := transport.getBatches()
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches (4+4+2), got %d", len(batches))
	}
	if len(batches[2]) != 2 {
		t.Errorf("Expected last batch of 2, got %d", len(batches[2]))
	}
}

func TestFlushError(t *testing.T) {
	sendErr := errors.New("server down")
	transport := &mockTransport{sendErr: sendErr}
	b := New(transport, Config{MaxBatchSize: 100, FlushEvery: time.Hour})

	b.Add(reading(1))
	if err := b.Flush(); !errors.Is(err, sendErr) {
		t.Errorf("Expected send error, got %v", err)
	}
}

func TestFlushEmpty(t *testing.T) {
	transport := &mockTransport{}
	b := New(transport, Config{})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush on empty batcher failed: %v", err)
	}
	if len(transport.getBatches()) != 0 {
		t.Error("Empty flush should not send")
	}
}
