package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"
	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/storage"
)

// Key layout
//
//	a | device_hash (8) | day (8, sign-flipped big endian) | device_id  -> JSON bucket
//	i | id                                                      -> bucket key
const (
	aggregatePrefix byte = 'a'
	idPrefix        byte = 'i'

	headerLen = 1 + 8 + 8

	// maxConflictRetries bounds retries of a read-write txn that lost a race
	maxConflictRetries = 100
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db     *badger.DB
	closed atomic.Bool
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// One bucket per device per day is a small working set.
	// Keep the memtable at 16 MB unless told otherwise.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20). // 64 MB value log files instead of default 2GB
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// withContext runs fn in a goroutine and gives up when ctx is done.
// Badger transactions are not cancellable, so the txn may still finish in the background.
func (s *Storage) withContext(ctx context.Context, op string, fn func() error) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// FindOne returns the bucket for the exact device and timestamp
func (s *Storage) FindOne(ctx context.Context, deviceID string, ts time.Time) (*model.DailyAggregate, error) {
	var found *model.DailyAggregate
	err := s.withContext(ctx, "find", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			row, err := getAggregate(txn, makeKey(deviceID, ts))
			if err != nil {
				return err
			}
			found = row
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Insert creates a new bucket
func (s *Storage) Insert(ctx context.Context, fields model.NewAggregate) (*model.DailyAggregate, error) {
	var inserted *model.DailyAggregate
	err := s.withContext(ctx, "insert", func() error {
		return s.update(func(txn *badger.Txn) error {
			key := makeKey(fields.DeviceID, fields.Timestamp)
			existing, err := getAggregate(txn, key)
			if err != nil {
				return err
			}
			if existing != nil {
				return storage.ErrDuplicateKey
			}
			row, err := insertAggregate(txn, key, fields)
			if err != nil {
				return err
			}
			inserted = row
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// UpdateByID rewrites the merge fields of the bucket with the given id
func (s *Storage) UpdateByID(ctx context.Context, id string, update model.AggregateUpdate) (*model.DailyAggregate, error) {
	var updated *model.DailyAggregate
	err := s.withContext(ctx, "update", func() error {
		return s.update(func(txn *badger.Txn) error {
			item, err := txn.Get(idKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			existing, err := getAggregate(txn, key)
			if err != nil {
				return err
			}
			if existing == nil {
				return storage.ErrNotFound
			}

			row := update.Apply(*existing)
			if err := putAggregate(txn, key, row); err != nil {
				return err
			}
			updated = &row
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Upsert reads and writes the bucket in one read-write transaction.
// Badger aborts a txn whose read set changed underneath it, so a lost race
// is retried against the new value instead of overwriting it.
func (s *Storage) Upsert(ctx context.Context, fields model.NewAggregate, merge storage.MergeFunc) (*model.DailyAggregate, bool, error) {
	var result *model.DailyAggregate
	var created bool
	err := s.withContext(ctx, "upsert", func() error {
		return s.update(func(txn *badger.Txn) error {
			key := makeKey(fields.DeviceID, fields.Timestamp)
			existing, err := getAggregate(txn, key)
			if err != nil {
				return err
			}
			if existing == nil {
				row, err := insertAggregate(txn, key, fields)
				if err != nil {
					return err
				}
				result, created = row, true
				return nil
			}

			update, err := merge(*existing)
			if err != nil {
				return err
			}
			row := update.Apply(*existing)
			if err := putAggregate(txn, key, row); err != nil {
				return err
			}
			result, created = &row, false
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// update runs fn in a read-write txn, retrying on commit conflicts
func (s *Storage) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d conflicting commits: %w", maxConflictRetries, err)
}

// FindMany scans the key range of each requested device.
// Results come back grouped by device in request order, then by day.
func (s *Storage) FindMany(ctx context.Context, req storage.QueryRequest) ([]model.DailyAggregate, error) {
	results := make([]model.DailyAggregate, 0)
	err := s.withContext(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			seen := make(map[string]bool, len(req.DeviceIDs))
			for _, deviceID := range req.DeviceIDs {
				if seen[deviceID] {
					continue
				}
				seen[deviceID] = true

				if err := ctx.Err(); err != nil {
					return err
				}

				rows, err := scanDevice(txn, deviceID, req.Start, req.End)
				if err != nil {
					return err
				}
				results = append(results, rows...)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func scanDevice(txn *badger.Txn, deviceID string, start, end time.Time) ([]model.DailyAggregate, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = devicePrefix(deviceID)
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	var rows []model.DailyAggregate
	for it.Seek(makeKey(deviceID, start)[:headerLen]); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if keyDay(key).After(end) {
			break
		}
		// Hash collisions share a prefix; the suffix tells devices apart
		if string(key[headerLen:]) != deviceID {
			continue
		}

		var row model.DailyAggregate
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return nil, fmt.Errorf("failed to decode aggregate: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Delete removes buckets whose day is before the cutoff
func (s *Storage) Delete(ctx context.Context, before time.Time) (int, error) {
	var removed int
	err := s.withContext(ctx, "delete", func() error {
		var doomed [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{aggregatePrefix}

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				item := it.Item()
				if !keyDay(item.Key()).Before(before) {
					continue
				}

				var row model.DailyAggregate
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &row)
				}); err != nil {
					return fmt.Errorf("failed to decode aggregate: %w", err)
				}
				doomed = append(doomed, item.KeyCopy(nil), idKey(row.ID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(doomed) == 0 {
			return nil
		}

		// WriteBatch splits large deletes across txns
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, key := range doomed {
			if err := wb.Delete(key); err != nil {
				return err
			}
		}
		if err := wb.Flush(); err != nil {
			return err
		}
		removed = len(doomed) / 2
		return nil
	})
	return removed, err
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns badger.ErrNoRewrite when there was nothing to reclaim.
func (s *Storage) RunGC(discardRatio float64) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics. Only keys are read.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.withContext(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte{aggregatePrefix}

			it := txn.NewIterator(opts)
			defer it.Close()

			devices := make(map[string]struct{})
			for it.Rewind(); it.Valid(); it.Next() {
				key := it.Item().Key()
				stats.TotalAggregates++
				devices[string(key[headerLen:])] = struct{}{}

				day := keyDay(key)
				if stats.OldestDay.IsZero() || day.Before(stats.OldestDay) {
					stats.OldestDay = day
				}
				if stats.NewestDay.IsZero() || day.After(stats.NewestDay) {
					stats.NewestDay = day
				}
			}
			stats.TotalDevices = uint64(len(devices))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

func getAggregate(txn *badger.Txn, key []byte) (*model.DailyAggregate, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var row model.DailyAggregate
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate: %w", err)
	}
	return &row, nil
}

func insertAggregate(txn *badger.Txn, key []byte, fields model.NewAggregate) (*model.DailyAggregate, error) {
	row := fields.Materialize(uuid.NewString())
	if err := putAggregate(txn, key, row); err != nil {
		return nil, err
	}
	if err := txn.Set(idKey(row.ID), key); err != nil {
		return nil, fmt.Errorf("failed to write id index: %w", err)
	}
	return &row, nil
}

func putAggregate(txn *badger.Txn, key []byte, row model.DailyAggregate) error {
	value, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode aggregate: %w", err)
	}
	if err := txn.Set(key, value); err != nil {
		return fmt.Errorf("failed to write aggregate: %w", err)
	}
	return nil
}

// makeKey creates a sortable key: prefix + device hash + day + device id
func makeKey(deviceID string, day time.Time) []byte {
	key := make([]byte, headerLen, headerLen+len(deviceID))
	key[0] = aggregatePrefix
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(deviceID))
	// Flip the sign bit so pre-1970 days still sort before later ones
	binary.BigEndian.PutUint64(key[9:17], uint64(day.UnixNano())^(1<<63))
	return append(key, deviceID...)
}

// devicePrefix is the key prefix shared by every bucket of a device hash
func devicePrefix(deviceID string) []byte {
	prefix := make([]byte, 9)
	prefix[0] = aggregatePrefix
	binary.BigEndian.PutUint64(prefix[1:9], xxhash.Sum64String(deviceID))
	return prefix
}

// keyDay extracts the bucket day from a storage key
func keyDay(key []byte) time.Time {
	nano := int64(binary.BigEndian.Uint64(key[9:17]) ^ (1 << 63))
	return time.Unix(0, nano).UTC()
}

func idKey(id string) []byte {
	return append([]byte{idPrefix}, id...)
}
