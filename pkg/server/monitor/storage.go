package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageMonitor tracks on-disk usage of the data directory.
// Usage is cached to avoid walking the directory on every request.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a new storage monitor. An empty dataDir means
// the store keeps nothing on disk and usage is always zero.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current storage usage in bytes (cached for 10s).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	if sm.dataDir == "" {
		return 0, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes. Zero means unlimited.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// OverLimit reports whether usage has reached the configured limit.
func (sm *StorageMonitor) OverLimit() (bool, error) {
	if sm.maxBytes <= 0 {
		return false, nil
	}
	usage, err := sm.GetUsage()
	if err != nil {
		return false, err
	}
	return usage >= sm.maxBytes, nil
}

// calculateDirSize walks path and sums actual disk usage of regular files.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += actualFileSize(filePath, info)
		}
		return nil
	})
	return size, err
}

// actualFileSize is implemented per platform:
// - filesize_unix.go: stat blocks
// - filesize_windows.go: GetCompressedFileSizeW
