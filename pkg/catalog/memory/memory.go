package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/trailcache/pkg/catalog"
)

// Catalog keeps entries in memory. Data is lost on restart.
// Useful for testing and development.
type Catalog struct {
	entries map[string]catalog.Entry
	mu      sync.RWMutex
}

// New creates an in-memory catalog
func New() *Catalog {
	return &Catalog{
		entries: make(map[string]catalog.Entry),
	}
}

// Put stores an entry
func (c *Catalog) Put(ctx context.Context, e catalog.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[e.Key] = e
	return nil
}

// Get returns the entry for key
func (c *Catalog) Get(ctx context.Context, key string) (*catalog.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &e, nil
}

// List returns all entries ordered by key
func (c *Catalog) List(ctx context.Context) ([]catalog.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]catalog.Entry, 0, len(c.entries))
	for _, e := range c.entries {
		results = append(results, e)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

// Delete removes matching entries
func (c *Catalog) Delete(ctx context.Context, opts catalog.DeleteOptions) ([]catalog.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []catalog.Entry
	for k, e := range c.entries {
		if opts.Matches(e) {
			removed = append(removed, e)
			delete(c.entries, k)
		}
	}
	return removed, nil
}

// Stats returns catalog statistics
func (c *Catalog) Stats(ctx context.Context) (*catalog.Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := &catalog.Stats{TotalEntries: uint64(len(c.entries))}
	for _, e := range c.entries {
		stats.TotalFrames += e.Frames
		if stats.Oldest.IsZero() || e.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = e.CreatedAt
		}
		if e.CreatedAt.After(stats.Newest) {
			stats.Newest = e.CreatedAt
		}
	}
	return stats, nil
}

// Close is a no-op for memory catalogs
func (c *Catalog) Close() error {
	return nil
}
