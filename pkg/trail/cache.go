package trail

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/trailcache/pkg/catalog"
	"github.com/nicktill/trailcache/pkg/config"
	"github.com/nicktill/trailcache/pkg/decimate"
	"github.com/nicktill/trailcache/pkg/sampleio"
)

// token identifies the source content a cache file was computed from.
// Any field mismatch invalidates the whole cache.
type token struct {
	Identity     uint64 // xxhash of the source identity
	Model        decimate.Model
	SourceFrames int64
}

// Encoded token layout inside the frame file metadata block:
//
//	[0:4]   magic "TKN1"
//	[4:12]  identity hash
//	[12]    model
//	[13:21] source frame count
//	[21:29] xxhash of [0:21]
const tokenSize = 29

var tokenMagic = []byte("TKN1")

func (tk token) encode() []byte {
	b := make([]byte, tokenSize)
	copy(b[0:4], tokenMagic)
	binary.LittleEndian.PutUint64(b[4:12], tk.Identity)
	b[12] = byte(tk.Model)
	binary.LittleEndian.PutUint64(b[13:21], uint64(tk.SourceFrames))
	binary.LittleEndian.PutUint64(b[21:29], xxhash.Sum64(b[0:21]))
	return b
}

var errBadToken = errors.New("invalid cache token")

func decodeToken(b []byte) (token, error) {
	if len(b) < tokenSize || !bytes.Equal(b[0:4], tokenMagic) {
		return token{}, errBadToken
	}
	if xxhash.Sum64(b[0:21]) != binary.LittleEndian.Uint64(b[21:29]) {
		return token{}, errBadToken
	}
	return token{
		Identity:     binary.LittleEndian.Uint64(b[4:12]),
		Model:        decimate.Model(b[12]),
		SourceFrames: int64(binary.LittleEndian.Uint64(b[13:21])),
	}, nil
}

// currentToken computes the token of the source as it is now
func (t *Trail) currentToken() token {
	return token{
		Identity:     xxhash.Sum64String(t.src.Identity()),
		Model:        t.model,
		SourceFrames: t.src.FrameCount(),
	}
}

// CacheKey returns the deterministic cache name for the trail's source and model
func (t *Trail) CacheKey() string {
	return fmt.Sprintf("%016x-%s", xxhash.Sum64String(t.src.Identity()), t.model)
}

// CachePath returns the cache file path, or "" without a cache directory
func (t *Trail) CachePath() string {
	if t.opts.cacheDir == "" {
		return ""
	}
	return filepath.Join(t.opts.cacheDir, t.CacheKey()+config.CacheFileExt)
}

// cacheFrames is the first level's length of a cache file: the source
// length rounded up to the coarsest factor, at the first level's rate.
func (t *Trail) cacheFrames() int64 {
	coarsest := t.levels[len(t.levels)-1]
	return t.levels[0].FullrateToSubrate(coarsest.CeilToMultiple(t.src.FrameCount()))
}

// openCacheForRead opens the cache file if it matches the current source.
// A missing or mismatching cache yields (nil, nil); only genuine I/O
// failures are returned as errors.
func (t *Trail) openCacheForRead() (*sampleio.File, error) {
	path := t.CachePath()
	if path == "" {
		return nil, nil
	}

	f, err := sampleio.Open(path, false)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, sampleio.ErrBadHeader) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if reason := t.validateCache(f); reason != "" {
		log.Printf("Ignoring cache %s: %s", path, reason)
		f.Close()
		return nil, nil
	}
	return f, nil
}

// validateCache returns why f cannot serve as cache, or "" if it can
func (t *Trail) validateCache(f *sampleio.File) string {
	if want := t.cacheFrames(); f.FrameCount() != want {
		return fmt.Sprintf("holds %d frames, want %d", f.FrameCount(), want)
	}
	if f.Channels() != t.store.channels {
		return fmt.Sprintf("holds %d channels, want %d", f.Channels(), t.store.channels)
	}
	if f.Rate() != t.levels[0].Rate {
		return fmt.Sprintf("holds rate %g, want %g", f.Rate(), t.levels[0].Rate)
	}
	meta, err := f.Meta()
	if err != nil {
		return "unreadable metadata"
	}
	tk, err := decodeToken(meta)
	if err != nil {
		return "no committed token"
	}
	if tk != t.currentToken() {
		return "token mismatch"
	}
	return ""
}

// cacheWriter mirrors the first decimation level into a candidate cache
// file. The file only becomes visible under its final name on commit.
type cacheWriter struct {
	file  *sampleio.File
	final string
}

// openCacheForWrite creates the candidate cache file; nil without a cache directory
func (t *Trail) openCacheForWrite() (*cacheWriter, error) {
	path := t.CachePath()
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(t.opts.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Trails with different level chains share a cache name, so each writer
	// gets its own part file and the rename on commit picks the last one.
	f, err := sampleio.CreateTemp(t.opts.cacheDir, t.CacheKey()+"-*"+config.CachePartExt, t.store.channels, t.levels[0].Rate)
	if err != nil {
		return nil, err
	}
	return &cacheWriter{file: f, final: path}, nil
}

func (w *cacheWriter) write(buf [][]float32, n int) error {
	if err := w.file.WriteFrames(buf, 0, n); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// commit stamps the token and moves the file to its final name
func (w *cacheWriter) commit(tk token) error {
	if err := w.file.WriteMeta(tk.encode()); err != nil {
		w.discard()
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Path())
		return fmt.Errorf("failed to close cache: %w", err)
	}
	if err := os.Rename(w.file.Path(), w.final); err != nil {
		os.Remove(w.file.Path())
		return fmt.Errorf("failed to commit cache: %w", err)
	}
	return nil
}

// discard deletes the incomplete cache file
func (w *cacheWriter) discard() {
	if err := w.file.Delete(); err != nil {
		log.Printf("Failed to delete incomplete cache %s: %v", w.file.Path(), err)
	}
}

// register records a committed cache in the catalog, if one is configured
func (t *Trail) register(ctx context.Context) {
	if t.opts.catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, config.CatalogPutTimeout)
	defer cancel()

	err := t.opts.catalog.Put(ctx, catalog.Entry{
		Key:          t.CacheKey(),
		Identity:     t.src.Identity(),
		Model:        t.model.String(),
		SourceFrames: t.src.FrameCount(),
		Frames:       t.cacheFrames(),
		Channels:     t.store.channels,
		Path:         t.CachePath(),
		CreatedAt:    time.Now(),
	})
	if err != nil {
		log.Printf("Failed to register cache %s: %v", t.CacheKey(), err)
	}
}
