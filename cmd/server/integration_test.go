package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/dailyagg/pkg/sdk"
	"github.com/nicktill/dailyagg/pkg/server"
	"github.com/nicktill/dailyagg/pkg/storage"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func startServer(t *testing.T, cfg server.Config) (*httptest.Server, storage.Storage) {
	t.Helper()
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	store, err := server.InitializeStorage(cfg)
	if err != nil {
		t.Fatalf("InitializeStorage: %v", err)
	}
	components, err := server.InitializeHandlers(cfg, store)
	if err != nil {
		t.Fatalf("InitializeHandlers: %v", err)
	}

	srv := httptest.NewServer(server.NewRouter(components, "8080"))
	return srv, store
}

func newClient(t *testing.T, endpoint string) *sdk.Client {
	t.Helper()
	client, err := sdk.New(sdk.ClientConfig{Endpoint: endpoint, FlushEvery: time.Hour})
	if err != nil {
		t.Fatalf("sdk.New: %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return client
}

// TestE2E_RecordAndQuery drives every backend through the SDK
func TestE2E_RecordAndQuery(t *testing.T) {
	for _, backend := range []string{server.BackendMemory, server.BackendSQLite, server.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			srv, store := startServer(t, server.Config{Storage: backend, DataDir: t.TempDir(), MaxMemoryMB: 48})
			defer store.Close()
			defer srv.Close()

			client := newClient(t, srv.URL)
			for h := 0; h < 4; h++ {
				if err := client.Record("meter-1", day.Add(time.Duration(h)*time.Hour), 10, 2); err != nil {
					t.Fatalf("Record: %v", err)
				}
			}
			if err := client.Record("meter-1", day.AddDate(0, 0, 1), 1, 1); err != nil {
				t.Fatalf("Record: %v", err)
			}
			if err := client.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}

			results, err := client.QueryRange(context.Background(), []string{"meter-1"}, day, day)
			if err != nil {
				t.Fatalf("QueryRange: %v", err)
			}
			if len(results) != 1 {
				t.Fatalf("Expected 1 bucket for the first day, got %d", len(results))
			}

			got := results[0]
			if got.AggregateCount != 4 || got.ActiveEnergy != 40 || got.ActivePower != 8 {
				t.Errorf("Unexpected bucket: %+v", got)
			}
			// Pairwise policy: sum / 2
			if got.ActiveEnergyAvg != 20 {
				t.Errorf("ActiveEnergyAvg = %v, want 20", got.ActiveEnergyAvg)
			}
		})
	}
}

// TestE2E_ConcurrentClients checks no reading is lost when many clients write the same bucket
func TestE2E_ConcurrentClients(t *testing.T) {
	srv, store := startServer(t, server.Config{
		Storage:     server.BackendBadger,
		DataDir:     t.TempDir(),
		MaxMemoryMB: 48,
		IngestRPS:   0,
	})
	defer store.Close()
	defer srv.Close()

	const clients = 10
	const perClient = 20

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		client := newClient(t, srv.URL)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				_ = client.Record("shared", day.Add(time.Duration(j)*time.Minute), 1, 1)
			}
			if err := client.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()

	client := newClient(t, srv.URL)
	defer client.Stop()

	results, err := client.QueryRange(context.Background(), []string{"shared"}, day, day)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(results))
	}
	if results[0].AggregateCount != clients*perClient {
		t.Errorf("AggregateCount = %d, want %d", results[0].AggregateCount, clients*perClient)
	}
}

// TestE2E_Restart checks buckets survive reopening the on-disk stores
func TestE2E_Restart(t *testing.T) {
	for _, backend := range []string{server.BackendSQLite, server.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			cfg := server.Config{Storage: backend, DataDir: filepath.Join(t.TempDir(), "data"), MaxMemoryMB: 48}

			srv, store := startServer(t, cfg)
			client := newClient(t, srv.URL)
			_ = client.Record("meter-9", day.Add(time.Hour), 5, 5)
			if err := client.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			srv.Close()
			if err := store.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			srv, store = startServer(t, cfg)
			defer store.Close()
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/v1/aggregates?device_id=meter-9&start=2024-01-01&end=2024-01-01")
			if err != nil {
				t.Fatalf("GET aggregates: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected 200, got %d", resp.StatusCode)
			}

			client = newClient(t, srv.URL)
			defer client.Stop()
			results, err := client.QueryRange(context.Background(), []string{"meter-9"}, day, day)
			if err != nil {
				t.Fatalf("QueryRange: %v", err)
			}
			if len(results) != 1 || results[0].ActiveEnergy != 5 {
				t.Errorf("Expected the stored bucket after restart, got %+v", results)
			}
		})
	}
}
