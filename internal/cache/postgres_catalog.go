package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roomcast/internal/models"
)

// PostgresConfig tunes the Postgres catalog connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cached_transcodes (
    fingerprint   TEXT PRIMARY KEY,
    path          TEXT NOT NULL,
    original_name TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS stream_log (
    id      BIGSERIAL PRIMARY KEY,
    action  TEXT NOT NULL,
    by_user TEXT NOT NULL,
    at      TIMESTAMPTZ NOT NULL,
    result  TEXT NOT NULL,
    detail  TEXT NOT NULL DEFAULT ''
);
`

// NewPostgresCatalog opens a Postgres-backed catalog and ensures its schema
// exists.
func NewPostgresCatalog(ctx context.Context, cfg PostgresConfig) (Catalog, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &postgresCatalog{pool: pool}, nil
}

type postgresCatalog struct {
	pool *pgxpool.Pool
}

func (c *postgresCatalog) Get(ctx context.Context, fingerprint string) (models.CachedTranscode, bool, error) {
	var record models.CachedTranscode
	row := c.pool.QueryRow(ctx,
		`SELECT fingerprint, path, original_name, created_at FROM cached_transcodes WHERE fingerprint = $1`,
		fingerprint)
	err := row.Scan(&record.Fingerprint, &record.Path, &record.OriginalName, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CachedTranscode{}, false, nil
	}
	if err != nil {
		return models.CachedTranscode{}, false, fmt.Errorf("read transcode record: %w", err)
	}
	return record, true, nil
}

func (c *postgresCatalog) Put(ctx context.Context, record models.CachedTranscode) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO cached_transcodes (fingerprint, path, original_name, created_at)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT (fingerprint) DO UPDATE
             SET path = EXCLUDED.path,
                 original_name = EXCLUDED.original_name,
                 created_at = EXCLUDED.created_at`,
		record.Fingerprint, record.Path, record.OriginalName, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("write transcode record: %w", err)
	}
	return nil
}

func (c *postgresCatalog) Delete(ctx context.Context, fingerprint string) error {
	if _, err := c.pool.Exec(ctx,
		`DELETE FROM cached_transcodes WHERE fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("delete transcode record: %w", err)
	}
	return nil
}

func (c *postgresCatalog) List(ctx context.Context) ([]models.CachedTranscode, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT fingerprint, path, original_name, created_at FROM cached_transcodes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list transcode records: %w", err)
	}
	defer rows.Close()

	var records []models.CachedTranscode
	for rows.Next() {
		var record models.CachedTranscode
		if err := rows.Scan(&record.Fingerprint, &record.Path, &record.OriginalName, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcode record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transcode records: %w", err)
	}
	return records, nil
}

func (c *postgresCatalog) AppendStreamLog(ctx context.Context, entry models.StreamLogEntry) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO stream_log (action, by_user, at, result, detail) VALUES ($1, $2, $3, $4, $5)`,
		string(entry.Action), entry.By, entry.At, string(entry.Result), entry.Detail)
	if err != nil {
		return fmt.Errorf("append stream log: %w", err)
	}
	return nil
}

func (c *postgresCatalog) StreamLog(ctx context.Context, limit int) ([]models.StreamLogEntry, error) {
	query := `SELECT action, by_user, at, result, detail FROM stream_log ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read stream log: %w", err)
	}
	defer rows.Close()

	var entries []models.StreamLogEntry
	for rows.Next() {
		var entry models.StreamLogEntry
		var action, result string
		if err := rows.Scan(&action, &entry.By, &entry.At, &result, &entry.Detail); err != nil {
			return nil, fmt.Errorf("scan stream log entry: %w", err)
		}
		entry.Action = models.StreamLogAction(action)
		entry.Result = models.StreamLogResult(result)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stream log: %w", err)
	}
	// Rows arrive newest first; callers expect chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (c *postgresCatalog) Close(ctx context.Context) error {
	if c.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
