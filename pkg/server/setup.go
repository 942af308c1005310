package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/trailcache/pkg/catalog/badger"
	"github.com/nicktill/trailcache/pkg/config"
)

// Config holds server configuration.
type Config struct {
	Port        string
	DataDir     string
	CacheDir    string
	MaxMemoryMB int64
	CacheMaxAge time.Duration
	LevelShifts []int
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() Config {
	maxMemoryMB := getEnvInt64("TRAILCACHE_MAX_MEMORY_MB", config.DefaultMaxMemoryMB)
	maxAgeH := getEnvInt64("TRAILCACHE_CACHE_MAX_AGE_H", config.DefaultCacheMaxAgeH)

	dataDir := os.Getenv("TRAILCACHE_DATA_DIR")
	if dataDir == "" {
		dataDir = config.DefaultDataDir
	}
	cacheDir := filepath.Join(dataDir, "cache")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	shifts := config.DefaultLevelShifts
	if v := os.Getenv("TRAILCACHE_LEVEL_SHIFTS"); v != "" {
		parsed, err := ParseShifts(v)
		if err != nil {
			log.Printf("Invalid value for TRAILCACHE_LEVEL_SHIFTS: %v, using default %v", err, shifts)
		} else {
			shifts = parsed
		}
	}

	return Config{
		Port:        getPort(),
		DataDir:     dataDir,
		CacheDir:    cacheDir,
		MaxMemoryMB: maxMemoryMB,
		CacheMaxAge: time.Duration(maxAgeH) * time.Hour,
		LevelShifts: shifts,
	}
}

// InitializeCatalog opens the BadgerDB cache catalog under the data directory.
func InitializeCatalog(cfg Config) (*badger.Catalog, error) {
	log.Println("Initializing BadgerDB cache catalog...")
	cat, err := badger.New(badger.Config{
		Path:        filepath.Join(cfg.DataDir, "catalog"),
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	log.Println("BadgerDB cache catalog initialized successfully")
	return cat, nil
}

// ParseShifts parses a comma separated list of cumulative level shifts.
func ParseShifts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	shifts := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid shift %q", p)
		}
		shifts = append(shifts, v)
	}
	return shifts, nil
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

// getPort gets the server port from TRAILCACHE_PORT or PORT, or returns default.
func getPort() string {
	for _, key := range []string{"TRAILCACHE_PORT", "PORT"} {
		if port := os.Getenv(key); port != "" {
			return port
		}
	}
	return config.DefaultPort
}
