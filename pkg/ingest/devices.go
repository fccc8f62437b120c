package ingest

import (
	"fmt"
	"sync"
	"time"
)

// Device tracker housekeeping
const (
	// Forget devices not seen for two days
	deviceRetentionPeriod = 48 * time.Hour

	// Run cleanup every hour
	cleanupInterval = 1 * time.Hour
)

// DeviceTracker caps the number of distinct devices the ingest path accepts.
// Devices idle longer than deviceRetentionPeriod stop counting toward the cap.
type DeviceTracker struct {
	mu sync.RWMutex

	// deviceID -> last time a reading from it was recorded
	seen map[string]time.Time

	limit       int
	lastCleanup time.Time

	// now is swapped in tests
	now func() time.Time
}

// NewDeviceTracker creates a tracker that admits at most limit devices.
// A limit <= 0 disables the cap.
func NewDeviceTracker(limit int) *DeviceTracker {
	return &DeviceTracker{
		seen:        make(map[string]time.Time),
		limit:       limit,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Check reports whether a reading from deviceID may be accepted
func (d *DeviceTracker) Check(deviceID string) error {
	return d.CheckBatch([]string{deviceID})
}

// CheckBatch reports whether readings from all of deviceIDs may be
// accepted together. Unknown devices in the batch count toward the cap
// as if the whole batch were already recorded.
func (d *DeviceTracker) CheckBatch(deviceIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cleanupLocked()

	if d.limit <= 0 {
		return nil
	}

	unseen := make(map[string]struct{})
	for _, id := range deviceIDs {
		if _, ok := d.seen[id]; !ok {
			unseen[id] = struct{}{}
		}
	}
	if len(unseen) > 0 && len(d.seen)+len(unseen) > d.limit {
		return fmt.Errorf("%w (max %d devices)", ErrDeviceLimit, d.limit)
	}
	return nil
}

// Record marks deviceID as active.
// Call it after Check passes and the reading was recorded.
func (d *DeviceTracker) Record(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[deviceID] = d.now()
}

// cleanupLocked drops idle devices. MUST be called with lock held.
func (d *DeviceTracker) cleanupLocked() {
	now := d.now()
	if now.Sub(d.lastCleanup) < cleanupInterval {
		return
	}
	d.lastCleanup = now

	cutoff := now.Add(-deviceRetentionPeriod)
	for id, last := range d.seen {
		if last.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}

// Stats returns current device usage
func (d *DeviceTracker) Stats() DeviceStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := DeviceStats{
		ActiveDevices: len(d.seen),
		DeviceLimit:   d.limit,
	}
	if d.limit > 0 {
		stats.UtilizationPct = float64(len(d.seen)) / float64(d.limit) * 100
	}
	return stats
}

// DeviceStats provides device cap usage information
type DeviceStats struct {
	ActiveDevices  int     `json:"active_devices"`
	DeviceLimit    int     `json:"device_limit"`
	UtilizationPct float64 `json:"utilization_percent"`
}
