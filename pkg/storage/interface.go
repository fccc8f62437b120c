package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/dailyagg/pkg/model"
)

var (
	// ErrNotFound is returned by UpdateByID when no bucket has the given id
	ErrNotFound = errors.New("aggregate not found")

	// ErrDuplicateKey is returned by Insert when the (device, day) bucket already exists
	ErrDuplicateKey = errors.New("aggregate already exists for device and day")

	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("storage is closed")
)

// Storage defines the interface for daily aggregate backends.
// Implementations: memory (testing), badger (default), sqlite
type Storage interface {
	// FindOne returns the bucket with exactly this device and timestamp,
	// or nil with no error when it does not exist
	FindOne(ctx context.Context, deviceID string, ts time.Time) (*model.DailyAggregate, error)

	// Insert creates a bucket; the store assigns id, count and default averages
	Insert(ctx context.Context, fields model.NewAggregate) (*model.DailyAggregate, error)

	// UpdateByID rewrites the merge fields of an existing bucket
	UpdateByID(ctx context.Context, id string, update model.AggregateUpdate) (*model.DailyAggregate, error)

	// FindMany returns buckets for any of the devices within [Start, End]
	FindMany(ctx context.Context, req QueryRequest) ([]model.DailyAggregate, error)

	// Delete removes buckets whose day is before the cutoff
	Delete(ctx context.Context, before time.Time) (int, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// MergeFunc computes the new merge fields from the stored bucket.
// A non-nil error aborts the upsert and leaves the bucket unchanged.
type MergeFunc func(existing model.DailyAggregate) (model.AggregateUpdate, error)

// Upserter is implemented by stores that can insert-if-absent-else-merge
// as a single atomic operation. Concurrent upserts of one key never lose a merge.
type Upserter interface {
	// Upsert inserts fields when the bucket is absent, otherwise applies merge
	// to the stored bucket. The bool reports whether a bucket was created.
	Upsert(ctx context.Context, fields model.NewAggregate, merge MergeFunc) (*model.DailyAggregate, bool, error)
}

// QueryRequest specifies which buckets to retrieve
type QueryRequest struct {
	// Devices to match (set membership)
	DeviceIDs []string

	// Inclusive day range
	Start time.Time
	End   time.Time
}

// Matches reports whether a bucket satisfies the request filter
func (r QueryRequest) Matches(a model.DailyAggregate) bool {
	if a.Timestamp.Before(r.Start) || a.Timestamp.After(r.End) {
		return false
	}
	for _, id := range r.DeviceIDs {
		if a.DeviceID == id {
			return true
		}
	}
	return false
}

// Stats provides storage health and usage info
type Stats struct {
	// Total buckets stored
	TotalAggregates uint64 `json:"total_aggregates"`

	// Distinct devices with at least one bucket
	TotalDevices uint64 `json:"total_devices"`

	// Storage size in bytes (estimate for memory)
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest and newest bucket days
	OldestDay time.Time `json:"oldest_day"`
	NewestDay time.Time `json:"newest_day"`
}
