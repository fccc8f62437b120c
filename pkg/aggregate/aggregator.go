package aggregate

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/storage"
)

// Observer is notified after every successful RecordReading
type Observer interface {
	AggregateRecorded(agg model.DailyAggregate, created bool)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(agg model.DailyAggregate, created bool)

// AggregateRecorded calls f
func (f ObserverFunc) AggregateRecorded(agg model.DailyAggregate, created bool) {
	f(agg, created)
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithLocation sets the time zone whose midnight starts a bucket day (default UTC)
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithExactTimestamps keys buckets by the timestamp exactly as given.
// Callers are then responsible for normalizing to day granularity.
func WithExactTimestamps() Option {
	return func(a *Aggregator) {
		a.exact = true
	}
}

// WithAveragePolicy replaces the default PairwiseAverage
func WithAveragePolicy(p AveragePolicy) Option {
	return func(a *Aggregator) {
		if p != nil {
			a.average = p
		}
	}
}

// WithoutAtomicUpsert forces the separate find-then-write path even when
// the store implements storage.Upserter. Concurrent writers of one bucket
// can then lose updates.
func WithoutAtomicUpsert() Option {
	return func(a *Aggregator) {
		a.atomic = false
	}
}

// WithObserver registers an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		if o != nil {
			a.observers = append(a.observers, o)
		}
	}
}

// Aggregator maintains one DailyAggregate per device per day.
// Safe for concurrent use when the store is.
type Aggregator struct {
	store     storage.Storage
	loc       *time.Location
	exact     bool
	average   AveragePolicy
	atomic    bool
	observers []Observer
}

// New creates an aggregator over store
func New(store storage.Storage, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:   store,
		loc:     time.UTC,
		average: PairwiseAverage,
		atomic:  true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Location returns the time zone bucket days are computed in
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// BucketDay returns the bucket key timestamp for ts: midnight of its
// calendar day in the configured location, or ts itself in exact mode.
func (a *Aggregator) BucketDay(ts time.Time) time.Time {
	if a.exact {
		return ts
	}
	local := ts.In(a.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, a.loc)
}

// Record is RecordReading for a model.Reading
func (a *Aggregator) Record(ctx context.Context, r model.Reading) (*model.DailyAggregate, error) {
	return a.RecordReading(ctx, r.DeviceID, r.Timestamp, r.ActiveEnergy, r.ActivePower)
}

// RecordReading merges one reading into its daily bucket, creating the
// bucket on first sight. It performs one read and one write against the
// store and returns the post-merge bucket.
func (a *Aggregator) RecordReading(ctx context.Context, deviceID string, ts time.Time, energy, power float64) (*model.DailyAggregate, error) {
	if deviceID == "" {
		return nil, invalid("device id is required")
	}
	if ts.IsZero() {
		return nil, invalid("timestamp is required")
	}
	if !inRange(ts) {
		return nil, invalid("timestamp %s is outside %s to %s", ts.Format(time.RFC3339), MinTimestamp.Format(time.RFC3339), MaxTimestamp.Format(time.RFC3339))
	}
	if !finite(energy) {
		return nil, invalid("active energy must be finite, got %v", energy)
	}
	if !finite(power) {
		return nil, invalid("active power must be finite, got %v", power)
	}

	day := a.BucketDay(ts)
	if !inRange(day) {
		return nil, invalid("bucket day %s is outside the storable range", day.Format(time.DateOnly))
	}

	fields := model.NewAggregate{
		DeviceID:     deviceID,
		Timestamp:    day,
		ActiveEnergy: energy,
		ActivePower:  power,
	}
	merge := a.merge(energy, power)

	var (
		agg     *model.DailyAggregate
		created bool
		err     error
	)
	if up, ok := a.store.(storage.Upserter); ok && a.atomic {
		agg, created, err = up.Upsert(ctx, fields, merge)
	} else {
		agg, created, err = a.findThenWrite(ctx, fields, merge)
	}
	if errors.Is(err, ErrInvalidInput) {
		return nil, err
	}
	if err != nil {
		return nil, storeUnavailable("record reading", err)
	}
	if agg == nil {
		return nil, storeUnavailable("record reading", errNoResult)
	}

	for _, o := range a.observers {
		o.AggregateRecorded(*agg, created)
	}
	return agg, nil
}

// findThenWrite is the two-call path: FindOne, then Insert or UpdateByID
func (a *Aggregator) findThenWrite(ctx context.Context, fields model.NewAggregate, merge storage.MergeFunc) (*model.DailyAggregate, bool, error) {
	existing, err := a.store.FindOne(ctx, fields.DeviceID, fields.Timestamp)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		agg, err := a.store.Insert(ctx, fields)
		return agg, true, err
	}
	update, err := merge(*existing)
	if err != nil {
		return nil, false, err
	}
	agg, err := a.store.UpdateByID(ctx, existing.ID, update)
	return agg, false, err
}

func (a *Aggregator) merge(energy, power float64) storage.MergeFunc {
	return func(existing model.DailyAggregate) (model.AggregateUpdate, error) {
		newEnergy := existing.ActiveEnergy + energy
		newPower := existing.ActivePower + power
		if !finite(newEnergy) || !finite(newPower) {
			return model.AggregateUpdate{}, invalid("sums overflow for device %q on %s", existing.DeviceID, existing.Timestamp.Format(time.DateOnly))
		}
		newCount := existing.AggregateCount + 1
		return model.AggregateUpdate{
			ActiveEnergy:    newEnergy,
			ActivePower:     newPower,
			AggregateCount:  newCount,
			ActiveEnergyAvg: a.average(newEnergy, newCount),
			ActivePowerAvg:  a.average(newPower, newCount),
		}, nil
	}
}

// QueryRange returns every bucket whose device is in deviceIDs and whose
// timestamp lies in [start, end], in store order. No matches is an empty
// slice, not an error.
func (a *Aggregator) QueryRange(ctx context.Context, deviceIDs []string, start, end time.Time) ([]model.DailyAggregate, error) {
	if len(deviceIDs) == 0 {
		return nil, invalid("at least one device id is required")
	}
	if start.IsZero() || end.IsZero() {
		return nil, invalid("start and end are required")
	}
	if start.After(end) {
		return nil, invalid("start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	// No bucket can exist outside the storable range
	if start.Before(MinTimestamp) {
		start = MinTimestamp
	}
	if end.After(MaxTimestamp) {
		end = MaxTimestamp
	}
	if start.After(end) {
		return []model.DailyAggregate{}, nil
	}

	results, err := a.store.FindMany(ctx, storage.QueryRequest{
		DeviceIDs: deviceIDs,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, storeUnavailable("query range", err)
	}
	if results == nil {
		results = []model.DailyAggregate{}
	}
	return results, nil
}

// Stores key buckets by Unix nanoseconds, so timestamps must fit in an int64
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

func inRange(ts time.Time) bool {
	return !ts.Before(MinTimestamp) && !ts.After(MaxTimestamp)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
