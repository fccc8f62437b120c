package monitor

import (
	"os"
	"path/filepath"
	"testing"
)

const oneGB = 1024 * 1024 * 1024

func TestStorageMonitor_GetLimit(t *testing.T) {
	sm := NewStorageMonitor(t.TempDir(), oneGB)
	if got := sm.GetLimit(); got != oneGB {
		t.Errorf("GetLimit() = %d, want %d", got, oneGB)
	}
}

func TestStorageMonitor_GetUsage(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "aggregates.db")
	if err := os.WriteFile(testFile, []byte("test data"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	sm := NewStorageMonitor(tmpDir, oneGB)
	usage, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage <= 0 {
		t.Errorf("GetUsage() = %d, want > 0", usage)
	}
}

func TestStorageMonitor_Caching(t *testing.T) {
	tmpDir := t.TempDir()
	sm := NewStorageMonitor(tmpDir, oneGB)

	usage1, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}

	// Written after the first check, so the cached value must be returned
	if err := os.WriteFile(filepath.Join(tmpDir, "late.db"), make([]byte, 64*1024), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	usage2, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage1 != usage2 {
		t.Errorf("Cached values differ: %d != %d", usage1, usage2)
	}
}

func TestStorageMonitor_NoDataDir(t *testing.T) {
	sm := NewStorageMonitor("", oneGB)
	usage, err := sm.GetUsage()
	if err != nil || usage != 0 {
		t.Errorf("GetUsage() = %d, %v, want 0, nil", usage, err)
	}
}

func TestStorageMonitor_OverLimit(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "big.db"), make([]byte, 64*1024), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	over, err := NewStorageMonitor(tmpDir, 1024).OverLimit()
	if err != nil || !over {
		t.Errorf("OverLimit() = %v, %v, want true", over, err)
	}

	over, err = NewStorageMonitor(tmpDir, 0).OverLimit()
	if err != nil || over {
		t.Errorf("OverLimit() with no limit = %v, %v, want false", over, err)
	}
}

func TestStorageMonitor_InvalidDir(t *testing.T) {
	sm := NewStorageMonitor("/nonexistent/path/12345", oneGB)
	if _, err := sm.GetUsage(); err == nil {
		t.Error("GetUsage() should return error for nonexistent directory")
	}
}
