package contracts

import (
	"fmt"
	"time"
)

// EventType classifies the security event that opened a case.
type EventType string

const (
	EventExploitedVulnerability EventType = "EXPLOITED_VULNERABILITY"
	EventSevereIncident         EventType = "SEVERE_INCIDENT"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventExploitedVulnerability || t == EventSevereIncident
}

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseStatusDraft     CaseStatus = "DRAFT"
	CaseStatusInReview  CaseStatus = "IN_REVIEW"
	CaseStatusSubmitted CaseStatus = "SUBMITTED"
	CaseStatusClosed    CaseStatus = "CLOSED"
)

var caseStatusRank = map[CaseStatus]int{
	CaseStatusDraft:     0,
	CaseStatusInReview:  1,
	CaseStatusSubmitted: 2,
	CaseStatusClosed:    3,
}

// Rank returns the position of s in the linear lifecycle, or -1 if unknown.
func (s CaseStatus) Rank() int {
	r, ok := caseStatusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Next returns the status that directly follows s.
func (s CaseStatus) Next() (CaseStatus, bool) {
	switch s {
	case CaseStatusDraft:
		return CaseStatusInReview, true
	case CaseStatusInReview:
		return CaseStatusSubmitted, true
	case CaseStatusSubmitted:
		return CaseStatusClosed, true
	default:
		return "", false
	}
}

// ParticipantRole is the role a user holds on a case.
type ParticipantRole string

const (
	RoleOwner    ParticipantRole = "OWNER"
	RoleApprover ParticipantRole = "APPROVER"
	RoleViewer   ParticipantRole = "VIEWER"
)

// Valid reports whether r is a known role.
func (r ParticipantRole) Valid() bool {
	return r == RoleOwner || r == RoleApprover || r == RoleViewer
}

// Participant is a user attached to a case.
type Participant struct {
	UserID string          `json:"user_id"`
	Role   ParticipantRole `json:"role"`
}

// LinkType names the kind of external artifact a case points at.
type LinkType string

const (
	LinkRelease  LinkType = "RELEASE"
	LinkFinding  LinkType = "FINDING"
	LinkEvidence LinkType = "EVIDENCE"
)

// Valid reports whether t is a known link type.
func (t LinkType) Valid() bool {
	return t == LinkRelease || t == LinkFinding || t == LinkEvidence
}

// Link references an artifact owned by another subsystem.
type Link struct {
	Type     LinkType `json:"type"`
	TargetID string   `json:"target_id"`
}

// Case is one compliance incident record. DetectedAt is the legal clock anchor
// and never changes after creation.
type Case struct {
	ID               string        `json:"id"`
	OrganizationID   string        `json:"organization_id"`
	ProductID        string        `json:"product_id"`
	Title            string        `json:"title"`
	Description      string        `json:"description,omitempty"`
	EventType        EventType     `json:"event_type"`
	Status           CaseStatus    `json:"status"`
	DetectedAt       time.Time     `json:"detected_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	PatchAvailableAt *time.Time    `json:"patch_available_at,omitempty"`
	ResolvedAt       *time.Time    `json:"resolved_at,omitempty"`
	Participants     []Participant `json:"participants"`
	Links            []Link        `json:"links"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared slices.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.StartedAt = cloneTime(c.StartedAt)
	out.PatchAvailableAt = cloneTime(c.PatchAvailableAt)
	out.ResolvedAt = cloneTime(c.ResolvedAt)
	out.Participants = append([]Participant(nil), c.Participants...)
	out.Links = append([]Link(nil), c.Links...)
	return &out
}

// IsClosed reports whether the case has reached its terminal state.
func (c *Case) IsClosed() bool {
	return c.Status == CaseStatusClosed
}

// CaseNotFound returns an ErrNotFound for the given case id.
func CaseNotFound(id string) error {
	return fmt.Errorf("case %s: %w", id, ErrNotFound)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
