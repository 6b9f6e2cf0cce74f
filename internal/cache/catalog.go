package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"roomcast/internal/models"
)

// Catalog persists transcode cache records and the stream session audit
// log. The filesystem holds the media bytes; the catalog holds the metadata
// that makes a file addressable by fingerprint.
type Catalog interface {
	Get(ctx context.Context, fingerprint string) (models.CachedTranscode, bool, error)
	Put(ctx context.Context, record models.CachedTranscode) error
	Delete(ctx context.Context, fingerprint string) error
	List(ctx context.Context) ([]models.CachedTranscode, error)
	AppendStreamLog(ctx context.Context, entry models.StreamLogEntry) error
	StreamLog(ctx context.Context, limit int) ([]models.StreamLogEntry, error)
	Close(ctx context.Context) error
}

type jsonDataset struct {
	Transcodes map[string]models.CachedTranscode `json:"transcodes"`
	StreamLog  []models.StreamLogEntry           `json:"streamLog"`
}

// NewJSONCatalog opens the JSON-file backed catalog, creating the file
// lazily on first write.
func NewJSONCatalog(path string) (Catalog, error) {
	c := &jsonCatalog{filePath: path}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

type jsonCatalog struct {
	mu       sync.RWMutex
	filePath string
	data     jsonDataset
}

func (c *jsonCatalog) Get(_ context.Context, fingerprint string) (models.CachedTranscode, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.data.Transcodes[fingerprint]
	return record, ok, nil
}

func (c *jsonCatalog) Put(_ context.Context, record models.CachedTranscode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, existed := c.data.Transcodes[record.Fingerprint]
	c.data.Transcodes[record.Fingerprint] = record
	if err := c.persistLocked(); err != nil {
		if existed {
			c.data.Transcodes[record.Fingerprint] = previous
		} else {
			delete(c.data.Transcodes, record.Fingerprint)
		}
		return err
	}
	return nil
}

func (c *jsonCatalog) Delete(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, existed := c.data.Transcodes[fingerprint]
	if !existed {
		return nil
	}
	delete(c.data.Transcodes, fingerprint)
	if err := c.persistLocked(); err != nil {
		c.data.Transcodes[fingerprint] = previous
		return err
	}
	return nil
}

func (c *jsonCatalog) List(_ context.Context) ([]models.CachedTranscode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := make([]models.CachedTranscode, 0, len(c.data.Transcodes))
	for _, record := range c.data.Transcodes {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (c *jsonCatalog) AppendStreamLog(_ context.Context, entry models.StreamLogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.StreamLog = append(c.data.StreamLog, entry)
	if err := c.persistLocked(); err != nil {
		c.data.StreamLog = c.data.StreamLog[:len(c.data.StreamLog)-1]
		return err
	}
	return nil
}

func (c *jsonCatalog) StreamLog(_ context.Context, limit int) ([]models.StreamLogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.data.StreamLog
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]models.StreamLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (c *jsonCatalog) Close(context.Context) error {
	return nil
}

func (c *jsonCatalog) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = jsonDataset{Transcodes: make(map[string]models.CachedTranscode)}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open catalog file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&c.data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode catalog file: %w", err)
	}
	if c.data.Transcodes == nil {
		c.data.Transcodes = make(map[string]models.CachedTranscode)
	}
	return nil
}

func (c *jsonCatalog) persistLocked() error {
	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "catalog-*.json")
	if err != nil {
		return fmt.Errorf("create temp catalog file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c.data); err != nil {
		return fmt.Errorf("encode catalog file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush catalog file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp catalog file: %w", err)
	}

	if err := os.Rename(tmpPath, c.filePath); err != nil {
		return fmt.Errorf("replace catalog file: %w", err)
	}
	success = true
	return nil
}
