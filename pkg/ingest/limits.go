package ingest

import (
	"errors"
	"fmt"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/config"
	"github.com/nicktill/dailyagg/pkg/model"
)

// Request limits
const (
	MaxReadingsPerRequest = config.IngestMaxReadings
	MaxDeviceIDLength     = config.IngestMaxDeviceIDLen
	MaxQueryDevices       = config.IngestMaxQueryDevices
)

var (
	// ErrNoReadings is returned when an ingest request carries no readings
	ErrNoReadings = fmt.Errorf("%w: request has no readings", aggregate.ErrInvalidInput)

	// ErrTooManyReadings is returned when an ingest request exceeds MaxReadingsPerRequest
	ErrTooManyReadings = fmt.Errorf("%w: too many readings in request (max %d)", aggregate.ErrInvalidInput, MaxReadingsPerRequest)

	// ErrDeviceIDTooLong is returned when a device id exceeds MaxDeviceIDLength
	ErrDeviceIDTooLong = fmt.Errorf("%w: device id too long (max %d chars)", aggregate.ErrInvalidInput, MaxDeviceIDLength)

	// ErrTooManyDevices is returned when a query names more than MaxQueryDevices devices
	ErrTooManyDevices = fmt.Errorf("%w: too many devices in query (max %d)", aggregate.ErrInvalidInput, MaxQueryDevices)

	// ErrRateLimited is returned when the ingest token bucket is empty
	ErrRateLimited = errors.New("ingest rate limit exceeded")

	// ErrDeviceLimit is returned when a new device would exceed the tracked device cap
	ErrDeviceLimit = errors.New("device limit exceeded")

	// ErrStorageFull is returned when the data directory has reached its size limit
	ErrStorageFull = errors.New("storage limit reached")
)

// StorageChecker reports whether the store has run out of disk budget
type StorageChecker interface {
	OverLimit() (bool, error)
}

// ValidateReading checks the request-level limits of a reading.
// Finite values and non-zero timestamps are checked by the aggregator.
func ValidateReading(r model.Reading) error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", aggregate.ErrInvalidInput)
	}
	if len(r.DeviceID) > MaxDeviceIDLength {
		return fmt.Errorf("%w: %d chars", ErrDeviceIDTooLong, len(r.DeviceID))
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required for device %q", aggregate.ErrInvalidInput, r.DeviceID)
	}
	return nil
}
