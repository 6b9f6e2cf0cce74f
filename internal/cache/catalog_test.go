package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"roomcast/internal/models"
)

func TestJSONCatalogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	ctx := context.Background()

	catalog, err := NewJSONCatalog(path)
	if err != nil {
		t.Fatalf("NewJSONCatalog error: %v", err)
	}
	record := models.CachedTranscode{
		Fingerprint:  testFingerprint,
		Path:         "/cache/" + testFingerprint + ".mp4",
		OriginalName: "movie.mp4",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := catalog.Put(ctx, record); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := catalog.AppendStreamLog(ctx, models.StreamLogEntry{
		Action: models.StreamLogStart,
		By:     "admin",
		At:     time.Now().UTC(),
		Result: models.StreamLogOK,
	}); err != nil {
		t.Fatalf("AppendStreamLog error: %v", err)
	}

	reopened, err := NewJSONCatalog(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	got, ok, err := reopened.Get(ctx, testFingerprint)
	if err != nil || !ok {
		t.Fatalf("record lost across reopen: ok=%v err=%v", ok, err)
	}
	if got.OriginalName != record.OriginalName || got.Path != record.Path {
		t.Fatalf("unexpected reloaded record: %+v", got)
	}
	entries, err := reopened.StreamLog(ctx, 0)
	if err != nil {
		t.Fatalf("StreamLog error: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != models.StreamLogStart {
		t.Fatalf("audit log lost across reopen: %+v", entries)
	}
}

func TestJSONCatalogStreamLogLimit(t *testing.T) {
	catalog, err := NewJSONCatalog(filepath.Join(t.TempDir(), "catalog.json"))
	if err != nil {
		t.Fatalf("NewJSONCatalog error: %v", err)
	}
	ctx := context.Background()

	actions := []models.StreamLogAction{
		models.StreamLogStart,
		models.StreamLogStop,
		models.StreamLogStart,
		models.StreamLogAutoStop,
	}
	for _, action := range actions {
		if err := catalog.AppendStreamLog(ctx, models.StreamLogEntry{Action: action, By: "admin", At: time.Now(), Result: models.StreamLogOK}); err != nil {
			t.Fatalf("AppendStreamLog error: %v", err)
		}
	}

	entries, err := catalog.StreamLog(ctx, 2)
	if err != nil {
		t.Fatalf("StreamLog error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("limit ignored: %d entries", len(entries))
	}
	if entries[0].Action != models.StreamLogStart || entries[1].Action != models.StreamLogAutoStop {
		t.Fatalf("expected the most recent entries in order, got %+v", entries)
	}
}

func TestJSONCatalogDeleteUnknownIsNoop(t *testing.T) {
	catalog, err := NewJSONCatalog(filepath.Join(t.TempDir(), "catalog.json"))
	if err != nil {
		t.Fatalf("NewJSONCatalog error: %v", err)
	}
	if err := catalog.Delete(context.Background(), "missing0000000000"); err != nil {
		t.Fatalf("Delete of unknown fingerprint should be a no-op, got %v", err)
	}
}
