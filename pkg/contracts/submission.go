package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionType is one of the statutory report kinds.
type SubmissionType string

const (
	SubmissionEarlyWarning SubmissionType = "EARLY_WARNING"
	SubmissionNotification SubmissionType = "NOTIFICATION"
	SubmissionFinalReport  SubmissionType = "FINAL_REPORT"
)

// Valid reports whether t is a known submission type.
func (t SubmissionType) Valid() bool {
	return t == SubmissionEarlyWarning || t == SubmissionNotification || t == SubmissionFinalReport
}

// SubmissionStatus is the workflow state of a submission.
type SubmissionStatus string

const (
	SubmissionStatusDraft     SubmissionStatus = "DRAFT"
	SubmissionStatusReady     SubmissionStatus = "READY"
	SubmissionStatusExported  SubmissionStatus = "EXPORTED"
	SubmissionStatusSubmitted SubmissionStatus = "SUBMITTED"
)

var submissionStatusRank = map[SubmissionStatus]int{
	SubmissionStatusDraft:     0,
	SubmissionStatusReady:     1,
	SubmissionStatusExported:  2,
	SubmissionStatusSubmitted: 3,
}

// Rank returns the position of s in the workflow, or -1 if unknown.
func (s SubmissionStatus) Rank() int {
	r, ok := submissionStatusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Channel identifies one of the two regulatory receivers.
type Channel string

const (
	ChannelENISA Channel = "ENISA"
	ChannelCSIRT Channel = "CSIRT"
)

// ChannelStatus is the delivery state of one channel. The empty value means
// the channel was never attempted.
type ChannelStatus string

const (
	ChannelPending   ChannelStatus = "PENDING"
	ChannelSubmitted ChannelStatus = "SUBMITTED"
	ChannelFailed    ChannelStatus = "FAILED"
)

// ChannelState is the per-channel delivery record held on a submission.
type ChannelState struct {
	Status      ChannelStatus `json:"status,omitempty"`
	Reference   string        `json:"reference,omitempty"`
	Error       string        `json:"error,omitempty"`
	AttemptID   string        `json:"attempt_id,omitempty"`
	AttemptedAt *time.Time    `json:"attempted_at,omitempty"`
}

// Submission is one regulatory report draft belonging to a case.
type Submission struct {
	ID                       string           `json:"id"`
	CaseID                   string           `json:"case_id"`
	OrganizationID           string           `json:"organization_id"`
	SubmissionType           SubmissionType   `json:"submission_type"`
	Status                   SubmissionStatus `json:"status"`
	ContentJSON              json.RawMessage  `json:"content_json,omitempty"`
	SchemaVersion            string           `json:"schema_version"`
	ValidationErrors         []string         `json:"validation_errors"`
	ENISA                    ChannelState     `json:"enisa"`
	CSIRT                    ChannelState     `json:"csirt"`
	CSIRTCountryCode         string           `json:"csirt_country_code,omitempty"`
	SubmittedReference       string           `json:"submitted_reference,omitempty"`
	SubmittedAt              *time.Time       `json:"submitted_at,omitempty"`
	AcknowledgmentEvidenceID string           `json:"acknowledgment_evidence_id,omitempty"`
	ExportArtifact           string           `json:"export_artifact,omitempty"`
	SupersededBy             string           `json:"superseded_by,omitempty"`
	CreatedAt                time.Time        `json:"created_at"`
	UpdatedAt                time.Time        `json:"updated_at"`
}

// Active reports whether the submission still carries its deadline obligation.
func (s *Submission) Active() bool {
	return s.SupersededBy == ""
}

// Channel returns the state for the given channel.
func (s *Submission) Channel(ch Channel) ChannelState {
	if ch == ChannelCSIRT {
		return s.CSIRT
	}
	return s.ENISA
}

// Clone returns a deep copy.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	out.ContentJSON = append(json.RawMessage(nil), s.ContentJSON...)
	if s.ValidationErrors != nil {
		out.ValidationErrors = append([]string{}, s.ValidationErrors...)
	}
	out.SubmittedAt = cloneTime(s.SubmittedAt)
	out.ENISA.AttemptedAt = cloneTime(s.ENISA.AttemptedAt)
	out.CSIRT.AttemptedAt = cloneTime(s.CSIRT.AttemptedAt)
	return &out
}

// SubmissionNotFound returns an ErrNotFound for the given submission id.
func SubmissionNotFound(id string) error {
	return fmt.Errorf("submission %s: %w", id, ErrNotFound)
}
