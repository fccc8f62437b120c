/*
Package storage provides the pluggable storage abstraction for daily aggregates.

# Storage Interface

Three backends implement the Storage interface:
  - memory: In-memory storage for testing and ephemeral workloads
  - badger: BadgerDB for persistent storage (default)
  - sqlite: SQLite file database with a unique (device_id, timestamp) index

The interface mirrors the find / create / update / findMany shape the
aggregator needs:

	type Storage interface {
	    FindOne(ctx context.Context, deviceID string, ts time.Time) (*model.DailyAggregate, error)
	    Insert(ctx context.Context, fields model.NewAggregate) (*model.DailyAggregate, error)
	    UpdateByID(ctx context.Context, id string, update model.AggregateUpdate) (*model.DailyAggregate, error)
	    FindMany(ctx context.Context, req QueryRequest) ([]model.DailyAggregate, error)
	    Delete(ctx context.Context, before time.Time) (int, error)
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

# Atomic Upsert

FindOne followed by Insert or UpdateByID is a read-modify-write. Two
concurrent readings for the same device and day can both see "absent" or
both read the same count. Every bundled backend also implements Upserter,
which runs the whole sequence under one lock or transaction:

	agg, created, err := store.(storage.Upserter).Upsert(ctx, fields, merge)

The aggregator uses Upsert whenever the backend provides it.

# Bucket Keys

A bucket is identified by (DeviceID, Timestamp). Timestamps are compared
as exact instants; backends never truncate them. Normalizing a reading to
the start of its day is the caller's job (see pkg/aggregate).

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	results, err := store.FindMany(ctx, storage.QueryRequest{
	    DeviceIDs: []string{"meter-1", "meter-2"},
	    Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	    End:       time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})

# Ordering

FindMany makes no cross-backend ordering promise. Memory and sqlite return
insertion order. Badger returns buckets grouped by requested device, days
ascending within a device.

# Retention

Delete(ctx, before) removes every bucket whose day is strictly before the
cutoff. pkg/server runs it on a ticker when DAILYAGG_RETENTION_DAYS is set.
*/
package storage
