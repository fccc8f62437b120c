package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data"
	DefaultStorage      = "badger"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultTimezone     = "UTC"
	ShutdownTimeout     = 10 * time.Second
)

// Background task intervals
const (
	RetentionInterval    = 1 * time.Hour
	RetentionTimeout     = 5 * time.Minute
	RetentionMaxAttempts = 3
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// Ingest timeouts and limits
const (
	IngestTimeout         = 5 * time.Second
	IngestQueryTimeout    = 10 * time.Second
	IngestStatsTimeout    = 5 * time.Second
	IngestMaxReadings     = 1000
	IngestMaxBodyBytes    = 4 << 20
	IngestMaxDeviceIDLen  = 256
	IngestMaxQueryDevices = 500
	IngestMaxQueryWindow  = 366 * 24 * time.Hour
	DefaultIngestRPS      = 500
	DefaultIngestBurst    = 1000
	DefaultMaxDevices     = 100000
)

// Export defaults and limits
const (
	DefaultExportWindow = 30 * 24 * time.Hour
	MaxExportWindow     = 366 * 24 * time.Hour
)

// Stream consumer
const (
	DefaultKafkaTopic   = "device-readings"
	DefaultKafkaGroupID = "dailyagg"
	StreamRetryInitial  = 200 * time.Millisecond
	StreamRetryMax      = 10 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
