package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no entry exists for a key
var ErrNotFound = errors.New("catalog entry not found")

// Catalog indexes committed cache files.
// Implementations: memory (testing), badger (production)
type Catalog interface {
	// Put stores or replaces an entry
	Put(ctx context.Context, e Entry) error

	// Get returns the entry for a key
	Get(ctx context.Context, key string) (*Entry, error)

	// List returns all entries ordered by key
	List(ctx context.Context) ([]Entry, error)

	// Delete removes matching entries and returns them
	Delete(ctx context.Context, opts DeleteOptions) ([]Entry, error)

	// Stats returns catalog statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the catalog
	Close() error
}

// Entry describes one committed cache file
type Entry struct {
	Key          string    `json:"key"`
	Identity     string    `json:"identity"`
	Model        string    `json:"model"`
	SourceFrames int64     `json:"source_frames"`
	Frames       int64     `json:"frames"`
	Channels     int       `json:"channels"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeleteOptions selects entries to delete
type DeleteOptions struct {
	// Before removes entries created before this time (zero = no time filter)
	Before time.Time

	// Keys restricts deletion to these keys (empty = any key)
	Keys []string
}

// Matches reports whether e is selected by the options
func (o DeleteOptions) Matches(e Entry) bool {
	if !o.Before.IsZero() && !e.CreatedAt.Before(o.Before) {
		return false
	}
	if len(o.Keys) == 0 {
		return true
	}
	for _, k := range o.Keys {
		if k == e.Key {
			return true
		}
	}
	return false
}

// Stats provides catalog usage info
type Stats struct {
	// Entries stored
	TotalEntries uint64 `json:"total_entries"`

	// Sum of cached frames across entries
	TotalFrames int64 `json:"total_frames"`

	// Oldest and newest entry creation times
	Oldest time.Time `json:"oldest"`
	Newest time.Time `json:"newest"`
}
