package monitor

import (
	"sync"
	"time"
)

// staleAfter is how long a successful retention sweep counts as recent
const staleAfter = 2 * time.Hour

// RetentionMonitor tracks the health of the retention sweep.
// A disabled monitor always reports healthy.
type RetentionMonitor struct {
	mu                sync.RWMutex
	enabled           bool
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDeleted       int
	totalDeleted      int64
	consecutiveErrors int
	lastError         string
}

// NewRetentionMonitor creates a monitor. Pass false when retention is turned off.
func NewRetentionMonitor(enabled bool) *RetentionMonitor {
	return &RetentionMonitor{enabled: enabled}
}

// RecordSuccess records a successful sweep and how many buckets it removed.
func (rm *RetentionMonitor) RecordSuccess(deleted int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	now := time.Now()
	rm.lastSuccess = now
	rm.lastAttempt = now
	rm.lastDeleted = deleted
	rm.totalDeleted += int64(deleted)
	rm.consecutiveErrors = 0
	rm.lastError = ""
}

// RecordFailure records a failed sweep.
func (rm *RetentionMonitor) RecordFailure(err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastAttempt = time.Now()
	rm.consecutiveErrors++
	if err != nil {
		rm.lastError = err.Error()
	}
}

// IsHealthy returns true if retention is disabled or working.
// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded in >2 hours
//   - More than 3 consecutive failures
func (rm *RetentionMonitor) IsHealthy() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.healthyLocked()
}

func (rm *RetentionMonitor) healthyLocked() bool {
	if !rm.enabled {
		return true
	}
	if rm.lastSuccess.IsZero() {
		return false
	}
	if time.Since(rm.lastSuccess) > staleAfter {
		return false
	}
	return rm.consecutiveErrors <= 3
}

// RetentionStatus is the retention section of the health response.
type RetentionStatus struct {
	Enabled           bool   `json:"enabled"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDeleted       int    `json:"last_deleted"`
	TotalDeleted      int64  `json:"total_deleted"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current retention status for health checks.
func (rm *RetentionMonitor) Status() RetentionStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	status := RetentionStatus{
		Enabled:      rm.enabled,
		Healthy:      rm.healthyLocked(),
		LastDeleted:  rm.lastDeleted,
		TotalDeleted: rm.totalDeleted,
	}
	if !rm.lastSuccess.IsZero() {
		status.LastSuccess = rm.lastSuccess.Format(time.RFC3339)
	}
	if !rm.lastAttempt.IsZero() {
		status.LastAttempt = rm.lastAttempt.Format(time.RFC3339)
	}
	if rm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = rm.consecutiveErrors
		status.LastError = rm.lastError
	}
	return status
}
