// Command migrate-catalog copies the transcode catalog and stream audit log
// from the JSON file store into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"roomcast/internal/cache"
)

// streamLogFetchLimit bounds the audit log read; the JSON catalog holds far
// fewer entries in practice.
const streamLogFetchLimit = 1 << 20

func main() {
	jsonPath := flag.String("json", "data/catalog.json", "path to the JSON catalog to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("ROOMCAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, ROOMCAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()

	source, err := cache.NewJSONCatalog(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON catalog", "error", err)
		os.Exit(1)
	}
	defer func() { _ = source.Close(ctx) }()

	records, err := source.List(ctx)
	if err != nil {
		logger.Error("failed to list cached transcodes", "error", err)
		os.Exit(1)
	}
	entries, err := source.StreamLog(ctx, streamLogFetchLimit)
	if err != nil {
		logger.Error("failed to read stream log", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded JSON catalog", "path", *jsonPath, "transcodes", len(records), "streamLogEntries", len(entries))

	target, err := cache.NewPostgresCatalog(ctx, cache.PostgresConfig{DSN: dsn, ApplicationName: "roomcast-migrate-catalog"})
	if err != nil {
		logger.Error("failed to open postgres catalog", "error", err)
		os.Exit(1)
	}
	defer func() { _ = target.Close(ctx) }()

	for _, record := range records {
		if err := target.Put(ctx, record); err != nil {
			logger.Error("failed to import transcode record", "fingerprint", record.Fingerprint, "error", err)
			os.Exit(1)
		}
	}
	for _, entry := range entries {
		if err := target.AppendStreamLog(ctx, entry); err != nil {
			logger.Error("failed to import stream log entry", "action", entry.Action, "error", err)
			os.Exit(1)
		}
	}

	if err := verifyCounts(ctx, dsn, len(records), len(entries)); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "transcodes", len(records), "streamLogEntries", len(entries))
}

func verifyCounts(ctx context.Context, dsn string, transcodes, logEntries int) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"cached_transcodes", "SELECT COUNT(*) FROM cached_transcodes", transcodes},
		{"stream_log", "SELECT COUNT(*) FROM stream_log", logEntries},
	}
	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
