package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/storage"
)

type bucketKey struct {
	deviceID string
	day      int64
}

func keyOf(deviceID string, ts time.Time) bucketKey {
	return bucketKey{deviceID: deviceID, day: ts.UnixNano()}
}

// Storage stores aggregates in memory. Data is lost on restart.
// Useful for testing and development. Iteration order is insertion order.
type Storage struct {
	rows   []model.DailyAggregate
	byKey  map[bucketKey]int
	byID   map[string]int
	closed bool
	mu     sync.RWMutex

	// newID is swappable in tests for deterministic ids
	newID func() string
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		rows:  make([]model.DailyAggregate, 0, 1024),
		byKey: make(map[bucketKey]int),
		byID:  make(map[string]int),
		newID: uuid.NewString,
	}
}

// FindOne returns the bucket for the exact device and timestamp
func (s *Storage) FindOne(ctx context.Context, deviceID string, ts time.Time) (*model.DailyAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	idx, ok := s.byKey[keyOf(deviceID, ts)]
	if !ok {
		return nil, nil
	}
	row := s.rows[idx]
	return &row, nil
}

// Insert creates a new bucket
func (s *Storage) Insert(ctx context.Context, fields model.NewAggregate) (*model.DailyAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.insertLocked(fields)
}

func (s *Storage) insertLocked(fields model.NewAggregate) (*model.DailyAggregate, error) {
	key := keyOf(fields.DeviceID, fields.Timestamp)
	if _, exists := s.byKey[key]; exists {
		return nil, storage.ErrDuplicateKey
	}

	row := fields.Materialize(s.newID())
	s.rows = append(s.rows, row)
	s.byKey[key] = len(s.rows) - 1
	s.byID[row.ID] = len(s.rows) - 1
	return &row, nil
}

// UpdateByID rewrites the merge fields of the bucket with the given id
func (s *Storage) UpdateByID(ctx context.Context, id string, update model.AggregateUpdate) (*model.DailyAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	idx, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.rows[idx] = update.Apply(s.rows[idx])
	row := s.rows[idx]
	return &row, nil
}

// Upsert inserts or merges under the write lock, so the read and the
// write of one call are never interleaved with another caller
func (s *Storage) Upsert(ctx context.Context, fields model.NewAggregate, merge storage.MergeFunc) (*model.DailyAggregate, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, storage.ErrClosed
	}

	idx, ok := s.byKey[keyOf(fields.DeviceID, fields.Timestamp)]
	if !ok {
		row, err := s.insertLocked(fields)
		return row, true, err
	}

	update, err := merge(s.rows[idx])
	if err != nil {
		return nil, false, err
	}
	s.rows[idx] = update.Apply(s.rows[idx])
	row := s.rows[idx]
	return &row, false, nil
}

// FindMany retrieves buckets matching the request in insertion order
func (s *Storage) FindMany(ctx context.Context, req storage.QueryRequest) ([]model.DailyAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	results := make([]model.DailyAggregate, 0)
	for _, row := range s.rows {
		if req.Matches(row) {
			results = append(results, row)
		}
	}
	return results, nil
}

// Delete removes buckets whose day is before the cutoff
func (s *Storage) Delete(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	kept := make([]model.DailyAggregate, 0, len(s.rows))
	for _, row := range s.rows {
		if !row.Timestamp.Before(before) {
			kept = append(kept, row)
		}
	}
	removed := len(s.rows) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	// Rebuild indexes since positions shifted
	s.rows = kept
	s.byKey = make(map[bucketKey]int, len(kept))
	s.byID = make(map[string]int, len(kept))
	for i, row := range kept {
		s.byKey[keyOf(row.DeviceID, row.Timestamp)] = i
		s.byID[row.ID] = i
	}
	return removed, nil
}

// Close marks the store closed
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	stats := &storage.Stats{
		TotalAggregates: uint64(len(s.rows)),
	}
	if len(s.rows) == 0 {
		return stats, nil
	}

	devices := make(map[string]struct{})
	oldest := s.rows[0].Timestamp
	newest := s.rows[0].Timestamp
	for _, row := range s.rows {
		devices[row.DeviceID] = struct{}{}
		if row.Timestamp.Before(oldest) {
			oldest = row.Timestamp
		}
		if row.Timestamp.After(newest) {
			newest = row.Timestamp
		}
	}

	stats.TotalDevices = uint64(len(devices))
	stats.OldestDay = oldest
	stats.NewestDay = newest

	// Rough size estimate (each bucket ~120 bytes)
	stats.SizeBytes = uint64(len(s.rows)) * 120

	return stats, nil
}
