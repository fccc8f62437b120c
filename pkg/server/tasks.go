package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/config"
	"github.com/nicktill/dailyagg/pkg/server/monitor"
	"github.com/nicktill/dailyagg/pkg/storage"
	"github.com/nicktill/dailyagg/pkg/storage/badger"
)

// retryBaseDelay is the first backoff between failed retention attempts.
var retryBaseDelay = 30 * time.Second

// RetentionCutoff returns the first day kept when keeping days of history.
// Buckets stamped before it are deleted.
func RetentionCutoff(agg *aggregate.Aggregator, now time.Time, days int64) time.Time {
	return agg.BucketDay(now).AddDate(0, 0, -int(days))
}

// SweepRetention deletes buckets older than the cutoff, retrying with
// exponential backoff, and records the outcome on the monitor.
func SweepRetention(ctx context.Context, store storage.Storage, cutoff time.Time, rm *monitor.RetentionMonitor) error {
	var err error
	for attempt := 0; attempt < config.RetentionMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			log.Printf("Retrying retention in %v (attempt %d/%d)...", delay, attempt+1, config.RetentionMaxAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, config.RetentionTimeout)
		var deleted int
		deleted, err = store.Delete(attemptCtx, cutoff)
		cancel()

		if err == nil {
			rm.RecordSuccess(deleted)
			log.Printf("Retention removed %d buckets before %s in %v",
				deleted, cutoff.Format(time.DateOnly), time.Since(start).Round(time.Millisecond))
			return nil
		}

		rm.RecordFailure(err)
		log.Printf("Retention failed (attempt %d/%d): %v", attempt+1, config.RetentionMaxAttempts, err)

		if status := rm.Status(); status.ConsecutiveErrors > 3 {
			log.Printf("ALERT: Retention has been failing! Consecutive errors: %d", status.ConsecutiveErrors)
		}
	}

	log.Printf("Retention failed after %d attempts, will retry on next schedule", config.RetentionMaxAttempts)
	return err
}

// RunRetention sweeps old buckets once at startup and then every RetentionInterval.
func RunRetention(ctx context.Context, c *Components, days int64, wg *sync.WaitGroup) {
	defer wg.Done()

	if days <= 0 {
		log.Println("Retention disabled, keeping all buckets")
		return
	}

	sweep := func() {
		cutoff := RetentionCutoff(c.Aggregator, time.Now(), days)
		if err := SweepRetention(ctx, c.Store, cutoff, c.RetentionMonitor); err != nil {
			log.Printf("Retention sweep before %s did not complete: %v", cutoff.Format(time.DateOnly), err)
		}
	}

	log.Printf("Retention scheduler started (keeping %d days, runs every %v)", days, config.RetentionInterval)
	sweep()

	ticker := time.NewTicker(config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			log.Println("Stopping retention scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically.
// Retention deletes leave garbage in the value log that only GC reclaims.
func RunBadgerGC(ctx context.Context, store storage.Storage, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Println("Storage is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", config.BadgerGCInterval)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			err := badgerStore.RunGC(config.BadgerGCDiscardRatio)
			switch {
			case err == nil:
				log.Printf("GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			case errors.Is(err, badgerdb.ErrNoRewrite):
				log.Printf("GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
			default:
				log.Printf("GC failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
