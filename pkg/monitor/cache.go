package monitor

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CacheUsage is the disk footprint of the cache directory.
type CacheUsage struct {
	Files     int   `json:"files"`
	Partial   int   `json:"partial"`
	UsedBytes int64 `json:"used_bytes"`
}

// CacheMonitor reports cache directory usage, caching the result to avoid
// walking the directory on every request.
type CacheMonitor struct {
	dir           string
	ext           string
	partExt       string
	cached        CacheUsage
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewCacheMonitor creates a monitor for cache files with extension ext
// (and their partExt-suffixed incomplete versions) under dir.
func NewCacheMonitor(dir, ext, partExt string) *CacheMonitor {
	return &CacheMonitor{
		dir:           dir,
		ext:           ext,
		partExt:       partExt,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns the cache usage, recomputed at most every 10 seconds.
func (cm *CacheMonitor) GetUsage() (CacheUsage, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.lastCheck.IsZero() && time.Since(cm.lastCheck) < cm.cacheDuration {
		return cm.cached, nil
	}

	usage, err := cm.scan()
	if err != nil {
		return CacheUsage{}, err
	}
	cm.cached = usage
	cm.lastCheck = time.Now()
	return usage, nil
}

func (cm *CacheMonitor) scan() (CacheUsage, error) {
	var usage CacheUsage
	err := filepath.WalkDir(cm.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, cm.ext):
			usage.Files++
		case strings.HasSuffix(path, cm.ext+cm.partExt):
			usage.Partial++
		default:
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		usage.UsedBytes += diskUsage(info)
		return nil
	})
	if os.IsNotExist(err) {
		return CacheUsage{}, nil
	}
	return usage, err
}
