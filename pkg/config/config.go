package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/trailcache"
	DefaultMaxMemoryMB = 16
)

// Decimation defaults: cumulative shifts 2..12 give factors 4, 16, ..., 4096
var DefaultLevelShifts = []int{2, 4, 6, 8, 10, 12}

// Population
const (
	DefaultUpdateInterval = 1 * time.Second
	CatalogPutTimeout     = 5 * time.Second
)

// Cache maintenance
const (
	CacheFileExt        = ".trc"
	CachePartExt        = ".part"
	DefaultCacheMaxAgeH = 30 * 24
	CachePruneInterval  = 1 * time.Hour
	BadgerGCInterval    = 10 * time.Minute
)

// View requests
const (
	ViewDefaultWidth = 1024
	ViewMaxWidth     = 16384
)

// HTTP server
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSPublishBuffer   = 256
	WSClientBuffer    = 64
	WSChannelBuffer   = 10
	WSReadLimit       = 512
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
