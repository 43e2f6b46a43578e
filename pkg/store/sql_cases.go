package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

const caseSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	status TEXT NOT NULL,
	detected_at TEXT NOT NULL,
	started_at TEXT,
	patch_available_at TEXT,
	resolved_at TEXT,
	participants TEXT NOT NULL DEFAULT '[]',
	links TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_org ON cases (organization_id);
CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	submission_type TEXT NOT NULL,
	status TEXT NOT NULL,
	content_json TEXT,
	schema_version TEXT NOT NULL,
	validation_errors TEXT,
	enisa_status TEXT NOT NULL DEFAULT '',
	enisa_reference TEXT NOT NULL DEFAULT '',
	enisa_error TEXT NOT NULL DEFAULT '',
	enisa_attempt_id TEXT NOT NULL DEFAULT '',
	enisa_attempted_at TEXT,
	csirt_status TEXT NOT NULL DEFAULT '',
	csirt_reference TEXT NOT NULL DEFAULT '',
	csirt_error TEXT NOT NULL DEFAULT '',
	csirt_attempt_id TEXT NOT NULL DEFAULT '',
	csirt_attempted_at TEXT,
	csirt_country_code TEXT NOT NULL DEFAULT '',
	submitted_reference TEXT NOT NULL DEFAULT '',
	submitted_at TEXT,
	acknowledgment_evidence_id TEXT NOT NULL DEFAULT '',
	export_artifact TEXT NOT NULL DEFAULT '',
	superseded_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_case ON submissions (case_id);
`

// SQLCaseStore implements CaseStore and SubmissionStore over database/sql.
type SQLCaseStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLCaseStore(db *sql.DB, dialect Dialect) *SQLCaseStore {
	return &SQLCaseStore{db: db, dialect: dialect}
}

func (s *SQLCaseStore) Init(ctx context.Context) error {
	for _, stmt := range splitStatements(caseSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init case schema: %w", err)
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const caseColumns = `id, organization_id, product_id, title, description, event_type, status, detected_at,
	started_at, patch_available_at, resolved_at, participants, links, created_at, updated_at`

func (s *SQLCaseStore) CreateCase(ctx context.Context, c *contracts.Case) error {
	participants, links, err := marshalCaseLists(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO cases (`+caseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.OrganizationID, c.ProductID, c.Title, c.Description, string(c.EventType), string(c.Status),
		FormatTime(c.DetectedAt), nullTime(c.StartedAt), nullTime(c.PatchAvailableAt), nullTime(c.ResolvedAt),
		participants, links, FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("case %s already exists: %w", c.ID, contracts.ErrInvalidInput)
		}
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func marshalCaseLists(c *contracts.Case) (string, string, error) {
	participants := c.Participants
	if participants == nil {
		participants = []contracts.Participant{}
	}
	links := c.Links
	if links == nil {
		links = []contracts.Link{}
	}
	p, err := json.Marshal(participants)
	if err != nil {
		return "", "", fmt.Errorf("marshal participants: %w", err)
	}
	l, err := json.Marshal(links)
	if err != nil {
		return "", "", fmt.Errorf("marshal links: %w", err)
	}
	return string(p), string(l), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (*contracts.Case, error) {
	var (
		c                                contracts.Case
		eventType, status                string
		detectedAt, createdAt, updatedAt string
		startedAt, patchAt, resolvedAt   sql.NullString
		participants, links              string
	)
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.ProductID, &c.Title, &c.Description, &eventType, &status,
		&detectedAt, &startedAt, &patchAt, &resolvedAt, &participants, &links, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.EventType = contracts.EventType(eventType)
	c.Status = contracts.CaseStatus(status)

	var err error
	if c.DetectedAt, err = ParseTime(detectedAt); err != nil {
		return nil, fmt.Errorf("case %s: detected_at: %w", c.ID, err)
	}
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("case %s: created_at: %w", c.ID, err)
	}
	if c.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("case %s: updated_at: %w", c.ID, err)
	}
	if c.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if c.PatchAvailableAt, err = parseNullTime(patchAt); err != nil {
		return nil, err
	}
	if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("case %s: participants: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(links), &c.Links); err != nil {
		return nil, fmt.Errorf("case %s: links: %w", c.ID, err)
	}
	return &c, nil
}

func (s *SQLCaseStore) GetCase(ctx context.Context, id string) (*contracts.Case, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+caseColumns+` FROM cases WHERE id = ?`), id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.CaseNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

func (s *SQLCaseStore) UpdateCase(ctx context.Context, c *contracts.Case, expected contracts.CaseStatus) error {
	participants, links, err := marshalCaseLists(c)
	if err != nil {
		return err
	}
	// detected_at is intentionally absent from the SET list.
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE cases SET
		title = ?, description = ?, status = ?, started_at = ?, patch_available_at = ?, resolved_at = ?,
		participants = ?, links = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		c.Title, c.Description, string(c.Status), nullTime(c.StartedAt), nullTime(c.PatchAvailableAt),
		nullTime(c.ResolvedAt), participants, links, FormatTime(c.UpdatedAt), c.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetCase(ctx, c.ID); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *SQLCaseStore) DeleteCase(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM cases WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return contracts.CaseNotFound(id)
	}
	return nil
}

func (s *SQLCaseStore) ListCases(ctx context.Context, orgID string) ([]*contracts.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases`
	var args []interface{}
	if orgID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
