package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nicktill/trailcache/pkg/catalog"
	"github.com/nicktill/trailcache/pkg/catalog/badger"
	"github.com/nicktill/trailcache/pkg/config"
)

const (
	pruneMaxRetries = 3
	pruneBaseDelay  = 30 * time.Second
)

// RunCachePrune deletes cache files older than maxAge, once on startup and
// then every interval. Failed runs are retried with exponential backoff.
func RunCachePrune(cat catalog.Catalog, maxAge, interval time.Duration, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runWithRetry := func(ctx context.Context) {
		for attempt := 0; attempt <= pruneMaxRetries; attempt++ {
			if attempt > 0 {
				delay := pruneBaseDelay * time.Duration(1<<(attempt-1)) // 30s, 60s, 120s
				log.Printf("Retrying cache prune in %v (attempt %d/%d)...", delay, attempt+1, pruneMaxRetries+1)
				select {
				case <-time.After(delay):
				case <-stop:
					return
				}
			}

			start := time.Now()
			removed, err := catalog.Prune(ctx, cat, time.Now().Add(-maxAge))
			if err == nil {
				if removed > 0 {
					log.Printf("Cache prune removed %d files in %v", removed, time.Since(start).Round(time.Millisecond))
				}
				return
			}
			log.Printf("Cache prune failed (attempt %d/%d): %v", attempt+1, pruneMaxRetries+1, err)
		}
		log.Printf("Cache prune failed after %d attempts, will retry on next schedule", pruneMaxRetries+1)
	}

	log.Printf("Cache prune scheduler started (max age %v, runs every %v)", maxAge, interval)
	runWithRetry(context.Background())

	for {
		select {
		case <-ticker.C:
			runWithRetry(context.Background())
		case <-stop:
			log.Println("Stopping cache prune scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection on the catalog
// every config.BadgerGCInterval.
func RunBadgerGC(cat *badger.Catalog, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", config.BadgerGCInterval)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// An error means there was nothing worth rewriting
			if err := cat.RunGC(0.5); err != nil {
				log.Printf("GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
			} else {
				log.Printf("GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
