package badger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/storage"
)

var day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	// Use in-memory mode for tests
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerStorage_InsertAndFindOne(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.FindOne(ctx, "device1", day1)
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("Expected no bucket, got %+v", missing)
	}

	inserted, err := store.Insert(ctx, model.NewAggregate{
		DeviceID:     "device1",
		Timestamp:    day1,
		ActiveEnergy: 100,
		ActivePower:  50,
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if inserted.ID == "" || inserted.AggregateCount != 1 {
		t.Errorf("Expected id and count 1, got %+v", inserted)
	}

	found, err := store.FindOne(ctx, "device1", day1)
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if found == nil {
		t.Fatal("Expected to find inserted bucket")
	}
	if found.ID != inserted.ID || found.ActiveEnergy != 100 || found.ActivePower != 50 {
		t.Errorf("Found bucket mismatch: %+v", found)
	}
	if !found.Timestamp.Equal(day1) {
		t.Errorf("Expected timestamp %v, got %v", day1, found.Timestamp)
	}

	if _, err := store.Insert(ctx, model.NewAggregate{DeviceID: "device1", Timestamp: day1}); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestBadgerStorage_UpdateByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.Insert(ctx, model.NewAggregate{DeviceID: "device1", Timestamp: day1, ActiveEnergy: 200, ActivePower: 100})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	updated, err := store.UpdateByID(ctx, inserted.ID, model.AggregateUpdate{
		ActiveEnergy:    300,
		ActivePower:     150,
		AggregateCount:  2,
		ActiveEnergyAvg: 150,
		ActivePowerAvg:  75,
	})
	if err != nil {
		t.Fatalf("UpdateByID failed: %v", err)
	}
	if updated.ActiveEnergy != 300 || updated.AggregateCount != 2 || updated.ActivePowerAvg != 75 {
		t.Errorf("Unexpected update result: %+v", updated)
	}

	found, _ := store.FindOne(ctx, "device1", day1)
	if found == nil || found.ActiveEnergyAvg != 150 {
		t.Errorf("Update was not persisted: %+v", found)
	}

	if _, err := store.UpdateByID(ctx, "missing", model.AggregateUpdate{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBadgerStorage_FindMany(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	day2 := day1.AddDate(0, 0, 1)
	for _, f := range []model.NewAggregate{
		{DeviceID: "device1", Timestamp: day1.AddDate(0, 0, -1)},
		{DeviceID: "device1", Timestamp: day2},
		{DeviceID: "device1", Timestamp: day1},
		{DeviceID: "device2", Timestamp: day2},
		{DeviceID: "device3", Timestamp: day1},
		{DeviceID: "device2", Timestamp: day1.AddDate(0, 0, 2)},
	} {
		if _, err := store.Insert(ctx, f); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	results, err := store.FindMany(ctx, storage.QueryRequest{
		DeviceIDs: []string{"device1", "device2", "device1"},
		Start:     day1,
		End:       day2,
	})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("Expected 3 buckets, got %d", len(results))
	}

	// Grouped by device, days ascending
	if results[0].DeviceID != "device1" || !results[0].Timestamp.Equal(day1) {
		t.Errorf("Unexpected first result: %+v", results[0])
	}
	if results[1].DeviceID != "device1" || !results[1].Timestamp.Equal(day2) {
		t.Errorf("Unexpected second result: %+v", results[1])
	}
	if results[2].DeviceID != "device2" {
		t.Errorf("Unexpected third result: %+v", results[2])
	}
}

func TestBadgerStorage_FindManyEmpty(t *testing.T) {
	store := newTestStore(t)

	results, err := store.FindMany(context.Background(), storage.QueryRequest{
		DeviceIDs: []string{"device1"},
		Start:     day1,
		End:       day1.AddDate(0, 0, 7),
	})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", results)
	}
}

func TestBadgerStorage_PreEpochOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Date(1965, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{day1, old} {
		if _, err := store.Insert(ctx, model.NewAggregate{DeviceID: "device1", Timestamp: ts}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	results, err := store.FindMany(ctx, storage.QueryRequest{
		DeviceIDs: []string{"device1"},
		Start:     old,
		End:       day1,
	})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}
	if len(results) != 2 || !results[0].Timestamp.Equal(old) {
		t.Errorf("Expected pre-1970 day to sort first, got %+v", results)
	}
}

func TestBadgerStorage_UpsertConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	merge := func(existing model.DailyAggregate) (model.AggregateUpdate, error) {
		return model.AggregateUpdate{
			ActiveEnergy:   existing.ActiveEnergy + 1,
			ActivePower:    existing.ActivePower + 1,
			AggregateCount: existing.AggregateCount + 1,
		}, nil
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.Upsert(ctx, model.NewAggregate{DeviceID: "device1", Timestamp: day1, ActiveEnergy: 1, ActivePower: 1}, merge); err != nil {
				t.Errorf("Upsert failed: %v", err)
			}
		}()
	}
	wg.Wait()

	found, err := store.FindOne(ctx, "device1", day1)
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if found == nil || found.AggregateCount != writers || found.ActiveEnergy != writers {
		t.Errorf("Expected %d merged readings, got %+v", writers, found)
	}
}

func TestBadgerStorage_Persistence(t *testing.T) {
	// Use temp directory for persistence test
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()

	// Write to first instance
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		if _, err := store.Insert(ctx, model.NewAggregate{DeviceID: "meter-7", Timestamp: day1, ActiveEnergy: 12.5}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		store.Close()
	}

	// Read from second instance (reopens same directory)
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to reopen storage: %v", err)
		}
		defer store.Close()

		found, err := store.FindOne(ctx, "meter-7", day1)
		if err != nil {
			t.Fatalf("FindOne failed: %v", err)
		}
		if found == nil || found.ActiveEnergy != 12.5 {
			t.Errorf("Expected persisted bucket, got %+v", found)
		}
	}
}

func TestBadgerStorage_OpensWithTunedOptions(t *testing.T) {
	// Covers both the default and the memory-limited option sets on disk
	for _, mb := range []int64{0, 48} {
		store, err := New(Config{Path: t.TempDir(), MaxMemoryMB: mb})
		if err != nil {
			t.Fatalf("New(MaxMemoryMB=%d) failed: %v", mb, err)
		}
		if _, err := store.Insert(context.Background(), model.NewAggregate{DeviceID: "meter-1", Timestamp: day1}); err != nil {
			t.Errorf("Insert with MaxMemoryMB=%d failed: %v", mb, err)
		}
		store.Close()
	}
}

func TestBadgerStorage_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var kept *model.DailyAggregate
	for i := 0; i < 4; i++ {
		row, err := store.Insert(ctx, model.NewAggregate{DeviceID: "device1", Timestamp: day1.AddDate(0, 0, i)})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		kept = row
	}

	removed, err := store.Delete(ctx, day1.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("Expected 3 removed, got %d", removed)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalAggregates != 1 {
		t.Errorf("Expected 1 bucket after deletion, got %d", stats.TotalAggregates)
	}

	if _, err := store.UpdateByID(ctx, kept.ID, model.AggregateUpdate{AggregateCount: 5}); err != nil {
		t.Errorf("Surviving bucket should stay addressable by id: %v", err)
	}
}

func TestBadgerStorage_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, f := range []model.NewAggregate{
		{DeviceID: "a", Timestamp: day1},
		{DeviceID: "a", Timestamp: day1.AddDate(0, 0, 1)},
		{DeviceID: "b", Timestamp: day1.AddDate(0, 0, 5)},
	} {
		if _, err := store.Insert(ctx, f); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalAggregates != 3 {
		t.Errorf("Expected 3 buckets, got %d", stats.TotalAggregates)
	}
	if stats.TotalDevices != 2 {
		t.Errorf("Expected 2 devices, got %d", stats.TotalDevices)
	}
	if !stats.OldestDay.Equal(day1) || !stats.NewestDay.Equal(day1.AddDate(0, 0, 5)) {
		t.Errorf("Unexpected day range: %v - %v", stats.OldestDay, stats.NewestDay)
	}
}

func TestBadgerStorage_Closed(t *testing.T) {
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	store.Close()

	if _, err := store.FindOne(context.Background(), "device1", day1); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestMakeKey_RoundTrip(t *testing.T) {
	key := makeKey("device1", day1)
	if got := keyDay(key); !got.Equal(day1) {
		t.Errorf("keyDay = %v, want %v", got, day1)
	}
	if string(key[headerLen:]) != "device1" {
		t.Errorf("Expected device suffix, got %q", key[headerLen:])
	}
	if string(devicePrefix("device1")) != string(key[:9]) {
		t.Error("devicePrefix should prefix makeKey")
	}
}
