/*
Package aggregate maintains per-device, per-day rollups of energy and power readings.

# Buckets

Each (device, day) pair owns exactly one model.DailyAggregate. The first
reading of the day creates the bucket; every later reading merges into it:

	activeEnergy    += energy
	activePower     += power
	aggregateCount  += 1
	activeEnergyAvg  = policy(activeEnergy, aggregateCount)
	activePowerAvg   = policy(activePower, aggregateCount)

The default policy is PairwiseAverage, which divides by 2 no matter how
many readings were merged. RunningMean divides by the count instead and
must be enabled explicitly:

	agg := aggregate.New(store, aggregate.WithAveragePolicy(aggregate.RunningMean))

# Day Boundaries

RecordReading truncates the reading timestamp to midnight in the
aggregator's location (UTC unless WithLocation is given) so that all
readings of one calendar day land in the same bucket. WithExactTimestamps
turns this off and keys buckets by the timestamp exactly as supplied.

# Atomicity

When the store implements storage.Upserter the lookup and the write run as
one atomic store operation, so concurrent readings for the same bucket are
never lost. Otherwise (or with WithoutAtomicUpsert) RecordReading issues a
FindOne followed by Insert or UpdateByID, and two concurrent calls for one
bucket can race.

# Errors

Precondition violations return ErrInvalidInput. Any store failure returns
ErrStoreUnavailable wrapping the store's error. Nothing is retried here;
retry policy belongs to the caller (see pkg/stream).

# Usage Example

	store := memory.New()
	agg := aggregate.New(store)

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket, err := agg.RecordReading(ctx, "meter-1", day.Add(9*time.Hour), 100, 50)

	buckets, err := agg.QueryRange(ctx, []string{"meter-1", "meter-2"}, day, day.AddDate(0, 0, 1))
*/
package aggregate
