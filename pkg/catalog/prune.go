package catalog

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// Prune removes entries created before the cutoff together with their cache files.
// Missing files are ignored. It returns the number of entries removed.
func Prune(ctx context.Context, cat Catalog, before time.Time) (int, error) {
	removed, err := cat.Delete(ctx, DeleteOptions{Before: before})
	if err != nil {
		return 0, fmt.Errorf("failed to delete catalog entries: %w", err)
	}

	for _, e := range removed {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("Failed to remove cache file %s: %v", e.Path, err)
		}
	}
	return len(removed), nil
}
