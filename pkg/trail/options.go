package trail

import (
	"time"

	"github.com/nicktill/trailcache/pkg/catalog"
	"github.com/nicktill/trailcache/pkg/config"
)

type options struct {
	cacheDir       string
	catalog        catalog.Catalog
	sink           Sink
	updateInterval time.Duration
	storageDir     string
	synchronous    bool
}

func defaultOptions() options {
	return options{
		updateInterval: config.DefaultUpdateInterval,
	}
}

// Option configures a Trail
type Option func(*options)

// WithCacheDir enables the on-disk cache of the first decimation level
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

// WithCatalog records committed cache files in cat
func WithCatalog(cat catalog.Catalog) Option {
	return func(o *options) { o.catalog = cat }
}

// WithSink receives population events
func WithSink(sink Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithUpdateInterval sets the minimum time between two update events
func WithUpdateInterval(d time.Duration) Option {
	return func(o *options) { o.updateInterval = d }
}

// WithStorageDir keeps the level storage in temporary files under dir
// instead of memory. The files are deleted when the trail is closed.
func WithStorageDir(dir string) Option {
	return func(o *options) { o.storageDir = dir }
}

// WithSynchronous makes New populate inline and return population errors
func WithSynchronous() Option {
	return func(o *options) { o.synchronous = true }
}
