/*
Package sqlite provides a SQLite-backed implementation of storage.Storage.

Buckets live in a single daily_aggregates table. A unique index on
(device_id, timestamp) enforces one bucket per device per day at the
database level, and Upsert runs its read and write inside one
BEGIN IMMEDIATE transaction so concurrent writers of a key are serialized.

Timestamps are stored as Unix nanoseconds so exact-match lookups compare
integers. Iteration order for FindMany is insertion order (seq).

USAGE:

	store, err := sqlite.New("./data/dailyagg.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

Use ":memory:" for an in-memory database.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/storage"
)

const columns = `id, device_id, timestamp, active_energy, active_power,
	active_energy_avg, active_power_avg, aggregate_count`

// Store implements storage.Storage and storage.Upserter using SQLite.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// New opens (and migrates) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daily_aggregates (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		device_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		active_energy REAL NOT NULL,
		active_power REAL NOT NULL,
		active_energy_avg REAL NOT NULL,
		active_power_avg REAL NOT NULL,
		aggregate_count INTEGER NOT NULL DEFAULT 1
	);

	-- One bucket per device per day
	CREATE UNIQUE INDEX IF NOT EXISTS idx_daily_aggregates_device_day
		ON daily_aggregates(device_id, timestamp);

	-- Retention sweeps and cross-device range scans
	CREATE INDEX IF NOT EXISTS idx_daily_aggregates_timestamp
		ON daily_aggregates(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindOne returns the bucket for the exact device and timestamp
func (s *Store) FindOne(ctx context.Context, deviceID string, ts time.Time) (*model.DailyAggregate, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	return findOne(ctx, s.db, deviceID, ts)
}

func findOne(ctx context.Context, q querier, deviceID string, ts time.Time) (*model.DailyAggregate, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+columns+` FROM daily_aggregates WHERE device_id = ? AND timestamp = ?`,
		deviceID, ts.UnixNano())

	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find aggregate: %w", err)
	}
	return agg, nil
}

// Insert creates a new bucket
func (s *Store) Insert(ctx context.Context, fields model.NewAggregate) (*model.DailyAggregate, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	return insert(ctx, s.db, fields)
}

func insert(ctx context.Context, q querier, fields model.NewAggregate) (*model.DailyAggregate, error) {
	row := fields.Materialize(uuid.NewString())
	result := q.QueryRowContext(ctx, `
		INSERT INTO daily_aggregates (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+columns,
		row.ID, row.DeviceID, row.Timestamp.UnixNano(),
		row.ActiveEnergy, row.ActivePower,
		row.ActiveEnergyAvg, row.ActivePowerAvg,
		row.AggregateCount,
	)

	agg, err := scanAggregate(result)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to insert aggregate: %w", err)
	}
	return agg, nil
}

// UpdateByID rewrites the merge fields of the bucket with the given id
func (s *Store) UpdateByID(ctx context.Context, id string, update model.AggregateUpdate) (*model.DailyAggregate, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	return updateByID(ctx, s.db, id, update)
}

func updateByID(ctx context.Context, q querier, id string, update model.AggregateUpdate) (*model.DailyAggregate, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE daily_aggregates SET
			active_energy = ?,
			active_power = ?,
			aggregate_count = ?,
			active_energy_avg = ?,
			active_power_avg = ?
		WHERE id = ?
		RETURNING `+columns,
		update.ActiveEnergy, update.ActivePower, update.AggregateCount,
		update.ActiveEnergyAvg, update.ActivePowerAvg,
		id,
	)

	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update aggregate: %w", err)
	}
	return agg, nil
}

// Upsert finds and then inserts or merges inside one immediate transaction.
// The write lock is taken at BEGIN, so no other writer can slip in between.
func (s *Store) Upsert(ctx context.Context, fields model.NewAggregate, merge storage.MergeFunc) (*model.DailyAggregate, bool, error) {
	if s.closed.Load() {
		return nil, false, storage.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := findOne(ctx, tx, fields.DeviceID, fields.Timestamp)
	if err != nil {
		return nil, false, err
	}

	var result *model.DailyAggregate
	created := existing == nil
	if created {
		result, err = insert(ctx, tx, fields)
	} else {
		var update model.AggregateUpdate
		if update, err = merge(*existing); err == nil {
			result, err = updateByID(ctx, tx, existing.ID, update)
		}
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return result, created, nil
}

// FindMany returns buckets matching the request in insertion order
func (s *Store) FindMany(ctx context.Context, req storage.QueryRequest) ([]model.DailyAggregate, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	results := make([]model.DailyAggregate, 0)
	if len(req.DeviceIDs) == 0 {
		return results, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(req.DeviceIDs)), ",")
	args := make([]any, 0, len(req.DeviceIDs)+2)
	for _, id := range req.DeviceIDs {
		args = append(args, id)
	}
	args = append(args, req.Start.UnixNano(), req.End.UnixNano())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM daily_aggregates
		WHERE device_id IN (`+placeholders+`)
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		results = append(results, *agg)
	}
	return results, rows.Err()
}

// Delete removes buckets whose day is before the cutoff
func (s *Store) Delete(ctx context.Context, before time.Time) (int, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_aggregates WHERE timestamp < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete aggregates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Stats returns storage statistics
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	var (
		total, devices    int64
		oldest, newest    sql.NullInt64
		pageCount, pageSz int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT device_id), MIN(timestamp), MAX(timestamp)
		FROM daily_aggregates`).Scan(&total, &devices, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := &storage.Stats{
		TotalAggregates: uint64(total),
		TotalDevices:    uint64(devices),
	}
	if oldest.Valid {
		stats.OldestDay = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		stats.NewestDay = time.Unix(0, newest.Int64).UTC()
	}

	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSz); err == nil {
			stats.SizeBytes = uint64(pageCount * pageSz)
		}
	}

	return stats, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanAggregate(sc scanner) (*model.DailyAggregate, error) {
	var agg model.DailyAggregate
	var ts int64
	if err := sc.Scan(
		&agg.ID, &agg.DeviceID, &ts,
		&agg.ActiveEnergy, &agg.ActivePower,
		&agg.ActiveEnergyAvg, &agg.ActivePowerAvg,
		&agg.AggregateCount,
	); err != nil {
		return nil, err
	}
	agg.Timestamp = time.Unix(0, ts).UTC()
	return &agg, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
