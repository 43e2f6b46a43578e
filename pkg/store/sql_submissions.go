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

const submissionColumns = `id, case_id, organization_id, submission_type, status, content_json, schema_version,
	validation_errors, enisa_status, enisa_reference, enisa_error, enisa_attempt_id, enisa_attempted_at,
	csirt_status, csirt_reference, csirt_error, csirt_attempt_id, csirt_attempted_at, csirt_country_code,
	submitted_reference, submitted_at, acknowledgment_evidence_id, export_artifact, superseded_by,
	created_at, updated_at`

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func marshalValidationErrors(errs []string) (sql.NullString, error) {
	if errs == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal validation errors: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *SQLCaseStore) CreateSubmission(ctx context.Context, sub *contracts.Submission) error {
	verrs, err := marshalValidationErrors(sub.ValidationErrors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sub.ID, sub.CaseID, sub.OrganizationID, string(sub.SubmissionType), string(sub.Status),
		nullJSON(sub.ContentJSON), sub.SchemaVersion, verrs,
		string(sub.ENISA.Status), sub.ENISA.Reference, sub.ENISA.Error, sub.ENISA.AttemptID, nullTime(sub.ENISA.AttemptedAt),
		string(sub.CSIRT.Status), sub.CSIRT.Reference, sub.CSIRT.Error, sub.CSIRT.AttemptID, nullTime(sub.CSIRT.AttemptedAt),
		sub.CSIRTCountryCode, sub.SubmittedReference, nullTime(sub.SubmittedAt), sub.AcknowledgmentEvidenceID,
		sub.ExportArtifact, sub.SupersededBy, FormatTime(sub.CreatedAt), FormatTime(sub.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("submission %s already exists: %w", sub.ID, contracts.ErrInvalidInput)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func scanSubmission(row rowScanner) (*contracts.Submission, error) {
	var (
		sub                         contracts.Submission
		subType, status             string
		content, verrs              sql.NullString
		enisaStatus, csirtStatus    string
		enisaAt, csirtAt, submitted sql.NullString
		createdAt, updatedAt        string
	)
	if err := row.Scan(&sub.ID, &sub.CaseID, &sub.OrganizationID, &subType, &status, &content, &sub.SchemaVersion,
		&verrs, &enisaStatus, &sub.ENISA.Reference, &sub.ENISA.Error, &sub.ENISA.AttemptID, &enisaAt,
		&csirtStatus, &sub.CSIRT.Reference, &sub.CSIRT.Error, &sub.CSIRT.AttemptID, &csirtAt, &sub.CSIRTCountryCode,
		&sub.SubmittedReference, &submitted, &sub.AcknowledgmentEvidenceID, &sub.ExportArtifact, &sub.SupersededBy,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sub.SubmissionType = contracts.SubmissionType(subType)
	sub.Status = contracts.SubmissionStatus(status)
	sub.ENISA.Status = contracts.ChannelStatus(enisaStatus)
	sub.CSIRT.Status = contracts.ChannelStatus(csirtStatus)
	if content.Valid {
		sub.ContentJSON = json.RawMessage(content.String)
	}
	if verrs.Valid {
		if err := json.Unmarshal([]byte(verrs.String), &sub.ValidationErrors); err != nil {
			return nil, fmt.Errorf("submission %s: validation_errors: %w", sub.ID, err)
		}
		if sub.ValidationErrors == nil {
			sub.ValidationErrors = []string{}
		}
	}

	var err error
	if sub.ENISA.AttemptedAt, err = parseNullTime(enisaAt); err != nil {
		return nil, err
	}
	if sub.CSIRT.AttemptedAt, err = parseNullTime(csirtAt); err != nil {
		return nil, err
	}
	if sub.SubmittedAt, err = parseNullTime(submitted); err != nil {
		return nil, err
	}
	if sub.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SQLCaseStore) GetSubmission(ctx context.Context, id string) (*contracts.Submission, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`), id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.SubmissionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *SQLCaseStore) UpdateSubmission(ctx context.Context, sub *contracts.Submission, expected contracts.SubmissionStatus) error {
	verrs, err := marshalValidationErrors(sub.ValidationErrors)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE submissions SET
		status = ?, content_json = ?, schema_version = ?, validation_errors = ?, submitted_reference = ?,
		submitted_at = ?, acknowledgment_evidence_id = ?, export_artifact = ?, superseded_by = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(sub.Status), nullJSON(sub.ContentJSON), sub.SchemaVersion, verrs, sub.SubmittedReference,
		nullTime(sub.SubmittedAt), sub.AcknowledgmentEvidenceID, sub.ExportArtifact, sub.SupersededBy,
		FormatTime(sub.UpdatedAt), sub.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	return s.expectOneRow(ctx, res, sub.ID)
}

func (s *SQLCaseStore) expectOneRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSubmission(ctx, id); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *SQLCaseStore) DeleteSubmission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM submissions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return contracts.SubmissionNotFound(id)
	}
	return nil
}

func (s *SQLCaseStore) ListSubmissions(ctx context.Context, caseID string) ([]*contracts.Submission, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT `+submissionColumns+` FROM submissions WHERE case_id = ? ORDER BY created_at ASC, id ASC`), caseID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func channelPrefix(ch contracts.Channel) string {
	if ch == contracts.ChannelCSIRT {
		return "csirt"
	}
	return "enisa"
}

// MarkChannelPending claims the channel with a single conditional UPDATE.
func (s *SQLCaseStore) MarkChannelPending(ctx context.Context, id string, ch contracts.Channel, attemptID string, at, staleBefore time.Time) (bool, error) {
	p := channelPrefix(ch)
	query := fmt.Sprintf(`UPDATE submissions SET
		%[1]s_status = ?, %[1]s_reference = '', %[1]s_error = '', %[1]s_attempt_id = ?, %[1]s_attempted_at = ?
		WHERE id = ? AND %[1]s_status <> ? AND
			(%[1]s_status <> ? OR %[1]s_attempted_at IS NULL OR %[1]s_attempted_at < ?)`, p)
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query),
		string(contracts.ChannelPending), attemptID, FormatTime(at), id,
		string(contracts.ChannelSubmitted), string(contracts.ChannelPending), FormatTime(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("claim %s channel: %w", ch, err)
	}
	return s.claimed(ctx, res, id)
}

func (s *SQLCaseStore) claimed(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSubmission(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLCaseStore) SetChannelOutcome(ctx context.Context, id string, ch contracts.Channel, attemptID string, state contracts.ChannelState) (bool, error) {
	p := channelPrefix(ch)
	query := fmt.Sprintf(`UPDATE submissions SET %[1]s_status = ?, %[1]s_reference = ?, %[1]s_error = ?
		WHERE id = ? AND %[1]s_status = ? AND %[1]s_attempt_id = ?`, p)
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query),
		string(state.Status), state.Reference, state.Error, id, string(contracts.ChannelPending), attemptID,
	)
	if err != nil {
		return false, fmt.Errorf("record %s outcome: %w", ch, err)
	}
	return s.claimed(ctx, res, id)
}

func (s *SQLCaseStore) SetCSIRTCountry(ctx context.Context, id, countryCode string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE submissions SET csirt_country_code = ? WHERE id = ?`), countryCode, id)
	if err != nil {
		return fmt.Errorf("set csirt country: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return contracts.SubmissionNotFound(id)
	}
	return nil
}
