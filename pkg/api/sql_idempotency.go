package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/store"
)

// SQLIdempotencyStore keeps idempotency keys in the server database so
// replays survive restarts.
type SQLIdempotencyStore struct {
	db      *sql.DB
	dialect store.Dialect
	ttl     time.Duration
	clock   func() time.Time
}

func NewSQLIdempotencyStore(db *sql.DB, dialect store.Dialect, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, dialect: dialect, ttl: ttl, clock: time.Now}
}

// Init creates the table when missing.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == store.DialectPostgres {
		blob = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		body `+blob+`,
		fingerprint TEXT NOT NULL,
		cached_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create idempotency_keys: %w", err)
	}
	return nil
}

func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool, error) {
	var (
		resp     CachedResponse
		cachedAt string
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT status_code, content_type, body, fingerprint, cached_at FROM idempotency_keys WHERE key = ?`),
		key,
	).Scan(&resp.StatusCode, &resp.ContentType, &resp.Body, &resp.Fingerprint, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check: %w", err)
	}
	resp.CachedAt, err = store.ParseTime(cachedAt)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check: %w", err)
	}
	if s.clock().Sub(resp.CachedAt) >= s.ttl {
		return nil, false, nil
	}
	return &resp, true, nil
}

func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO idempotency_keys (key, status_code, content_type, body, fingerprint, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			status_code = excluded.status_code,
			content_type = excluded.content_type,
			body = excluded.body,
			fingerprint = excluded.fingerprint,
			cached_at = excluded.cached_at`),
		key, resp.StatusCode, resp.ContentType, resp.Body, resp.Fingerprint, store.FormatTime(resp.CachedAt),
	)
	if err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

// Cleanup removes entries older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	cutoff := store.FormatTime(s.clock().Add(-s.ttl))
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM idempotency_keys WHERE cached_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup: %w", err)
	}
	return res.RowsAffected()
}
