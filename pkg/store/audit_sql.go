package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	prev_hash TEXT,
	hash TEXT NOT NULL,
	UNIQUE (organization_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_audit_records_entity ON audit_records (organization_id, entity_type, entity_id);
`

// SQLAuditBackend stores chains in a relational table. Timestamps and payloads
// are kept as text so the bytes that were hashed are the bytes read back.
type SQLAuditBackend struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLAuditBackend(db *sql.DB, dialect Dialect) *SQLAuditBackend {
	return &SQLAuditBackend{db: db, dialect: dialect}
}

func (s *SQLAuditBackend) Init(ctx context.Context) error {
	for _, stmt := range splitStatements(auditSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLAuditBackend) tail(ctx context.Context, q queryRower, orgID string) (ChainTail, error) {
	var (
		tail ChainTail
		seq  int64
	)
	err := q.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT sequence, hash FROM audit_records WHERE organization_id = ? ORDER BY sequence DESC LIMIT 1`),
		orgID).Scan(&seq, &tail.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainTail{}, nil
	}
	if err != nil {
		return ChainTail{}, err
	}
	tail.Sequence = uint64(seq)
	return tail, nil
}

func (s *SQLAuditBackend) Tail(ctx context.Context, orgID string) (ChainTail, error) {
	return s.tail(ctx, s.db, orgID)
}

// Insert appends rec inside a transaction. On Postgres the organization's
// chain is additionally guarded by a transaction-scoped advisory lock.
func (s *SQLAuditBackend) Insert(ctx context.Context, rec *AuditRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.dialect == DialectPostgres {
		if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.OrganizationID); err != nil {
			return fmt.Errorf("lock audit chain: %w", err)
		}
	}

	tail, err := s.tail(ctx, tx, rec.OrganizationID)
	if err != nil {
		return fmt.Errorf("read audit tail: %w", err)
	}
	if rec.Sequence != tail.Sequence+1 || rec.PrevHash != tail.Hash {
		err = ErrStaleTail
		return err
	}

	var prev sql.NullString
	if rec.PrevHash != "" {
		prev = sql.NullString{String: rec.PrevHash, Valid: true}
	}
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO audit_records
			(id, organization_id, sequence, entity_type, entity_id, action, actor, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.OrganizationID, int64(rec.Sequence), rec.EntityType, rec.EntityID, rec.Action, rec.Actor,
		string(rec.Payload), FormatTime(rec.CreatedAt), prev, rec.Hash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			err = ErrStaleTail
			return err
		}
		return fmt.Errorf("insert audit record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit audit record: %w", err)
	}
	return nil
}

func (s *SQLAuditBackend) List(ctx context.Context, orgID string, filter EventFilter) ([]*AuditRecord, error) {
	query := `SELECT id, organization_id, sequence, entity_type, entity_id, action, actor, payload, created_at, prev_hash, hash
		FROM audit_records WHERE organization_id = ?`
	args := []interface{}{orgID}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	query += ` ORDER BY sequence ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*AuditRecord, 0)
	for rows.Next() {
		var (
			rec       AuditRecord
			seq       int64
			payload   string
			createdAt string
			prev      sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &seq, &rec.EntityType, &rec.EntityID,
			&rec.Action, &rec.Actor, &payload, &createdAt, &prev, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.Payload = []byte(payload)
		rec.PrevHash = prev.String
		if rec.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("audit record %s: bad created_at: %w", rec.ID, err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
