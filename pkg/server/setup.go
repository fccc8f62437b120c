package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/config"
	"github.com/nicktill/dailyagg/pkg/export"
	"github.com/nicktill/dailyagg/pkg/ingest"
	"github.com/nicktill/dailyagg/pkg/server/monitor"
	"github.com/nicktill/dailyagg/pkg/storage"
	"github.com/nicktill/dailyagg/pkg/storage/badger"
	"github.com/nicktill/dailyagg/pkg/storage/memory"
	"github.com/nicktill/dailyagg/pkg/storage/sqlite"
	"github.com/nicktill/dailyagg/pkg/stream"
	"github.com/nicktill/dailyagg/pkg/telemetry"
)

// Storage backends accepted by DAILYAGG_STORAGE.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds server configuration.
type Config struct {
	Port          string
	DataDir       string
	Storage       string
	MaxStorageGB  int64
	MaxMemoryMB   int64
	Location      *time.Location
	AveragePolicy string
	RetentionDays int64
	IngestRPS     float64
	IngestBurst   int
	Kafka         stream.Config
}

// KafkaEnabled reports whether a broker list was configured.
func (c Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// RetentionEnabled reports whether old buckets are swept.
func (c Config) RetentionEnabled() bool {
	return c.RetentionDays > 0
}

// MaxStorageBytes returns the disk budget in bytes.
func (c Config) MaxStorageBytes() int64 {
	return c.MaxStorageGB * 1024 * 1024 * 1024
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:          getEnv("PORT", config.DefaultPort),
		DataDir:       getEnv("DAILYAGG_DATA_DIR", config.DefaultDataDir),
		Storage:       strings.ToLower(getEnv("DAILYAGG_STORAGE", config.DefaultStorage)),
		MaxStorageGB:  getEnvInt64("DAILYAGG_MAX_STORAGE_GB", config.DefaultMaxStorageGB),
		MaxMemoryMB:   getEnvInt64("DAILYAGG_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
		AveragePolicy: getEnv("DAILYAGG_AVERAGE_POLICY", "pairwise"),
		RetentionDays: getEnvInt64("DAILYAGG_RETENTION_DAYS", 0),
		IngestRPS:     getEnvFloat("DAILYAGG_INGEST_RPS", config.DefaultIngestRPS),
		IngestBurst:   int(getEnvInt64("DAILYAGG_INGEST_BURST", config.DefaultIngestBurst)),
		Kafka: stream.Config{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_TOPIC", config.DefaultKafkaTopic),
			GroupID: getEnv("KAFKA_GROUP_ID", config.DefaultKafkaGroupID),
		},
	}

	switch cfg.Storage {
	case BackendBadger, BackendSQLite, BackendMemory:
	default:
		return Config{}, fmt.Errorf("unknown storage backend %q (want badger, sqlite or memory)", cfg.Storage)
	}

	loc, err := time.LoadLocation(getEnv("DAILYAGG_TIMEZONE", config.DefaultTimezone))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DAILYAGG_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if _, err := aggregate.ParsePolicy(cfg.AveragePolicy); err != nil {
		return Config{}, fmt.Errorf("invalid DAILYAGG_AVERAGE_POLICY: %w", err)
	}

	return cfg, nil
}

// InitializeStorage opens the configured backend, creating the data directory
// for the on-disk ones.
func InitializeStorage(cfg Config) (storage.Storage, error) {
	switch cfg.Storage {
	case BackendMemory:
		log.Println("Using in-memory storage (data is lost on restart)")
		return memory.New(), nil

	case BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path := filepath.Join(cfg.DataDir, "dailyagg.db")
		log.Printf("Initializing SQLite storage at %s...", path)
		store, err := sqlite.New(path)
		if err != nil {
			return nil, err
		}
		log.Println("SQLite storage initialized successfully")
		return store, nil

	default:
		dir := filepath.Join(cfg.DataDir, "badger")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		log.Printf("Initializing BadgerDB storage at %s...", dir)
		store, err := badger.New(badger.Config{
			Path:        dir,
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		log.Println("BadgerDB storage initialized successfully")
		return store, nil
	}
}

// Components are the wired pieces the routes and background tasks share.
type Components struct {
	Store            storage.Storage
	Aggregator       *aggregate.Aggregator
	Ingest           *ingest.Handler
	Export           *export.Handler
	Hub              *ingest.AggregateHub
	Metrics          *telemetry.Metrics
	StorageMonitor   *monitor.StorageMonitor
	RetentionMonitor *monitor.RetentionMonitor
}

// InitializeHandlers creates the aggregator and all request handlers.
func InitializeHandlers(cfg Config, store storage.Storage) (*Components, error) {
	policy, err := aggregate.ParsePolicy(cfg.AveragePolicy)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics()
	hub := ingest.NewAggregateHub()

	agg := aggregate.New(store,
		aggregate.WithLocation(cfg.Location),
		aggregate.WithAveragePolicy(policy),
		aggregate.WithObserver(metrics),
		aggregate.WithObserver(hub),
	)
	log.Printf("Aggregator ready (day boundaries in %s, %s averages)", cfg.Location, cfg.AveragePolicy)

	dataDir := cfg.DataDir
	if cfg.Storage == BackendMemory {
		dataDir = ""
	}
	storageMonitor := monitor.NewStorageMonitor(dataDir, cfg.MaxStorageBytes())

	ingestHandler := ingest.NewHandler(agg, store,
		ingest.WithRateLimit(cfg.IngestRPS, cfg.IngestBurst),
		ingest.WithStorageChecker(storageMonitor),
		ingest.WithMetrics(metrics),
	)
	log.Printf("Ingest handler created (rate limit %.0f/s, burst %d)", cfg.IngestRPS, cfg.IngestBurst)

	return &Components{
		Store:            store,
		Aggregator:       agg,
		Ingest:           ingestHandler,
		Export:           export.NewHandler(agg, cfg.Location),
		Hub:              hub,
		Metrics:          metrics,
		StorageMonitor:   storageMonitor,
		RetentionMonitor: monitor.NewRetentionMonitor(cfg.RetentionEnabled()),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %g", key, val, defaultValue)
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
