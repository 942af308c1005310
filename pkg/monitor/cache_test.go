package monitor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCacheMonitor_GetUsage(t *testing.T) {
	dir := t.TempDir()
	for name, size := range map[string]int{
		"a-fullwave.trc":      4096,
		"b-median.trc":        100,
		"c-halfwave.trc.part": 10,
		"notes.txt":           5000,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644); err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
	}

	cm := NewCacheMonitor(dir, ".trc", ".part")
	usage, err := cm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage.Files != 2 {
		t.Errorf("Files = %d, want 2", usage.Files)
	}
	if usage.Partial != 1 {
		t.Errorf("Partial = %d, want 1", usage.Partial)
	}
	if usage.UsedBytes <= 0 {
		t.Errorf("UsedBytes = %d, want > 0", usage.UsedBytes)
	}
}

func TestCacheMonitor_Caching(t *testing.T) {
	dir := t.TempDir()
	cm := NewCacheMonitor(dir, ".trc", ".part")

	first, err := cm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "late.trc"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := cm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if first != second {
		t.Errorf("Cached values differ: %+v != %+v", first, second)
	}
}

func TestCacheMonitor_MissingDir(t *testing.T) {
	cm := NewCacheMonitor("/nonexistent/path/12345", ".trc", ".part")
	usage, err := cm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage.Files != 0 {
		t.Errorf("Files = %d, want 0", usage.Files)
	}
}
