package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"roomcast/internal/models"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrMissingFingerprint is returned when an operation names an empty or
	// malformed fingerprint.
	ErrMissingFingerprint = fmt.Errorf("fingerprint is required")
	// ErrRecordNotFound is returned when no catalog record exists for the
	// fingerprint.
	ErrRecordNotFound = fmt.Errorf("transcode record not found")
	// ErrFileDelete is returned when the catalog record was removed but the
	// cached file could not be.
	ErrFileDelete = fmt.Errorf("cached file delete failed")
)

const (
	// DefaultSweepInterval is how often the eviction sweep runs.
	DefaultSweepInterval = 6 * time.Hour
	// DefaultMaxAge is how long an untouched cached file survives.
	DefaultMaxAge = 72 * time.Hour
)

var fingerprintPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// Config configures the transcode cache.
type Config struct {
	Dir     string
	Catalog Catalog
	Logger  *slog.Logger
	MaxAge  time.Duration
}

// Cache is the content-addressed transcode store. Media bytes live under a
// single directory named by fingerprint; the catalog records what each file
// was derived from. A catalog row whose file has been evicted counts as a
// miss, never an error.
type Cache struct {
	dir     string
	catalog Catalog
	logger  *slog.Logger
	maxAge  time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// New initialises the cache directory and returns the cache.
func New(cfg Config) (*Cache, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("cache catalog is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{
		dir:     cfg.Dir,
		catalog: cfg.Catalog,
		logger:  logger,
		maxAge:  maxAge,
		now:     time.Now,
	}, nil
}

// ValidFingerprint reports whether the client-supplied fingerprint is safe
// to use as a file name.
func ValidFingerprint(fingerprint string) bool {
	return fingerprintPattern.MatchString(fingerprint)
}

// Path returns the on-disk location for a fingerprint.
func (c *Cache) Path(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".mp4")
}

// Lookup resolves a fingerprint to a usable cached file. A record whose
// file is gone from disk is reported as a miss.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (models.CachedTranscode, bool, error) {
	if !ValidFingerprint(fingerprint) {
		return models.CachedTranscode{}, false, ErrMissingFingerprint
	}
	record, ok, err := c.catalog.Get(ctx, fingerprint)
	if err != nil || !ok {
		return models.CachedTranscode{}, false, err
	}
	if _, err := os.Stat(record.Path); err != nil {
		return models.CachedTranscode{}, false, nil
	}
	return record, true, nil
}

// GetOrCreate returns the cached file for a fingerprint, invoking produce at
// most once per fingerprint across concurrent callers on a miss. produce
// must return the path of a finished file, which is moved into the cache.
func (c *Cache) GetOrCreate(ctx context.Context, fingerprint, originalName string, produce func(ctx context.Context) (string, error)) (models.CachedTranscode, error) {
	if !ValidFingerprint(fingerprint) {
		return models.CachedTranscode{}, ErrMissingFingerprint
	}
	result, err, _ := c.group.Do(fingerprint, func() (any, error) {
		record, ok, err := c.Lookup(ctx, fingerprint)
		if err != nil {
			return models.CachedTranscode{}, err
		}
		if ok {
			return record, nil
		}
		produced, err := produce(ctx)
		if err != nil {
			return models.CachedTranscode{}, err
		}
		return c.Store(ctx, fingerprint, originalName, produced)
	})
	if err != nil {
		return models.CachedTranscode{}, err
	}
	return result.(models.CachedTranscode), nil
}

// Store moves a finished file into the cache and records it. The source is
// renamed when possible and copied across filesystems otherwise.
func (c *Cache) Store(ctx context.Context, fingerprint, originalName, srcPath string) (models.CachedTranscode, error) {
	if !ValidFingerprint(fingerprint) {
		return models.CachedTranscode{}, ErrMissingFingerprint
	}
	dst := c.Path(fingerprint)
	if err := os.Rename(srcPath, dst); err != nil {
		if err := copyFile(srcPath, dst); err != nil {
			return models.CachedTranscode{}, fmt.Errorf("store cached file: %w", err)
		}
		_ = os.Remove(srcPath)
	}
	record := models.CachedTranscode{
		Fingerprint:  fingerprint,
		Path:         dst,
		OriginalName: originalName,
		CreatedAt:    c.now().UTC(),
	}
	if err := c.catalog.Put(ctx, record); err != nil {
		_ = os.Remove(dst)
		return models.CachedTranscode{}, err
	}
	return record, nil
}

// Delete removes one cached transcode, record first. Returns
// ErrRecordNotFound when the fingerprint is unknown and ErrFileDelete when
// the record was removed but the file was not.
func (c *Cache) Delete(ctx context.Context, fingerprint string) error {
	if !ValidFingerprint(fingerprint) {
		return ErrMissingFingerprint
	}
	record, ok, err := c.catalog.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecordNotFound
	}
	if err := c.catalog.Delete(ctx, fingerprint); err != nil {
		return err
	}
	if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrFileDelete, err)
	}
	return nil
}

// Wipe removes every cached transcode and its record. It keeps going past
// individual failures and reports the number of records removed.
func (c *Cache) Wipe(ctx context.Context) (int, error) {
	records, err := c.catalog.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	var firstErr error
	for _, record := range records {
		if err := c.catalog.Delete(ctx, record.Fingerprint); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", ErrFileDelete, err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// SweepOnce deletes cached files older than the max age. Catalog rows are
// left in place; a row without a file is already treated as a miss.
func (c *Cache) SweepOnce() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	cutoff := c.now().Add(-c.maxAge)
	removed := 0
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp4") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("evict cached file: %w", err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }

func (t timeTicker) Stop() { t.ticker.Stop() }

type tickerFactory func(time.Duration) sweepTicker

// StartSweepWorker runs the eviction sweep on a fixed interval until the
// returned stop function is called or the context ends.
func StartSweepWorker(ctx context.Context, c *Cache, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, c, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweepWorkerWithTicker(ctx context.Context, c *Cache, interval time.Duration, newTicker tickerFactory) func() {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := c.SweepOnce()
				if err != nil {
					c.logger.Error("transcode cache sweep failed", "error", err)
				}
				if removed > 0 {
					c.logger.Info("transcode cache sweep evicted files", "count", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	tmpPath := out.Name()
	success := false
	defer func() {
		if !success {
			_ = out.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	success = true
	return nil
}
