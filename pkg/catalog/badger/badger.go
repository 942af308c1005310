package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/trailcache/pkg/catalog"
)

// entryPrefix marks cache entry keys; other key spaces may follow later
const entryPrefix byte = 'c'

// Catalog implements catalog.Catalog using BadgerDB
type Catalog struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly default)
	MaxMemoryMB int64
}

// New opens a BadgerDB-backed catalog
func New(cfg Config) (*Catalog, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Catalog entries are tiny; keep memtables small
	memTableSize := int64(8 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(2).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithNumCompactors(2).
		WithValueLogFileSize(16 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Put stores an entry
// Enforces context cancellation to prevent indefinite blocking
func (c *Catalog) Put(ctx context.Context, e catalog.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.db.Update(func(txn *badger.Txn) error {
			return txn.Set(makeKey(e.Key), value)
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("put operation cancelled: %w", ctx.Err())
	}
}

// Get returns the entry for key
func (c *Catalog) Get(ctx context.Context, key string) (*catalog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var e catalog.Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns all entries ordered by key
func (c *Catalog) List(ctx context.Context) ([]catalog.Entry, error) {
	var results []catalog.Entry
	err := c.scan(ctx, func(item *badger.Item, e catalog.Entry) error {
		results = append(results, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

// Delete removes matching entries and returns them
func (c *Catalog) Delete(ctx context.Context, opts catalog.DeleteOptions) ([]catalog.Entry, error) {
	var removed []catalog.Entry
	var keys [][]byte
	err := c.scan(ctx, func(item *badger.Item, e catalog.Entry) error {
		if opts.Matches(e) {
			removed = append(removed, e)
			keys = append(keys, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete entries: %w", err)
	}
	return removed, nil
}

// Stats returns catalog statistics
func (c *Catalog) Stats(ctx context.Context) (*catalog.Stats, error) {
	stats := &catalog.Stats{}
	err := c.scan(ctx, func(item *badger.Item, e catalog.Entry) error {
		stats.TotalEntries++
		stats.TotalFrames += e.Frames
		if stats.Oldest.IsZero() || e.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = e.CreatedAt
		}
		if e.CreatedAt.After(stats.Newest) {
			stats.Newest = e.CreatedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close shuts down BadgerDB cleanly
func (c *Catalog) Close() error {
	return c.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
func (c *Catalog) RunGC(discardRatio float64) error {
	return c.db.RunValueLogGC(discardRatio)
}

// scan iterates every entry, checking the context every 1000 items
func (c *Catalog) scan(ctx context.Context, fn func(*badger.Item, catalog.Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{entryPrefix}

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			item := it.Item()
			var e catalog.Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("failed to decode entry: %w", err)
			}
			if err := fn(item, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// makeKey creates a fixed-width key: [prefix (1 byte)][key hash (8 bytes)]
func makeKey(key string) []byte {
	k := make([]byte, 9)
	k[0] = entryPrefix
	binary.BigEndian.PutUint64(k[1:], xxhash.Sum64String(key))
	return k
}
