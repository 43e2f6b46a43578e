// Package lifecycle drives a compliance case from DRAFT to CLOSED.
//
// Every mutating call writes exactly one audit record. DetectedAt is fixed
// at creation: it anchors the statutory deadlines and is never patchable.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/cra"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

const EntityType = "case"

// Audit actions written by the lifecycle.
const (
	ActionCreated          = "created"
	ActionUpdated          = "updated"
	ActionAdvanced         = "advanced"
	ActionClosed           = "closed"
	ActionParticipantAdded = "participant_added"
	ActionLinksAdded       = "links_added"
)

// ClosePolicy decides what Close does while required reports are outstanding.
type ClosePolicy string

const (
	ClosePolicyEnforce ClosePolicy = "enforce"
	ClosePolicyWarn    ClosePolicy = "warn"
)

// ParseClosePolicy accepts "enforce", "warn" or "" (enforce).
func ParseClosePolicy(s string) (ClosePolicy, error) {
	switch ClosePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ClosePolicyEnforce:
		return ClosePolicyEnforce, nil
	case ClosePolicyWarn:
		return ClosePolicyWarn, nil
	default:
		return "", fmt.Errorf("unknown close policy %q: %w", s, contracts.ErrInvalidInput)
	}
}

// CreateCaseRequest opens a case.
type CreateCaseRequest struct {
	OrganizationID string
	ProductID      string
	EventType      contracts.EventType
	Title          string
	Description    string
	DetectedAt     time.Time
	StartedAt      *time.Time
	Participants   []contracts.Participant
}

// CasePatch carries optional field updates. DetectedAt exists only so that an
// attempt to change it can be rejected explicitly.
type CasePatch struct {
	Title            *string    `json:"title,omitempty"`
	Description      *string    `json:"description,omitempty"`
	DetectedAt       *time.Time `json:"detected_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	PatchAvailableAt *time.Time `json:"patch_available_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// CloseResult is returned by Close. Warnings is non-empty only under
// ClosePolicyWarn when required reports were still outstanding.
type CloseResult struct {
	Case     *contracts.Case `json:"case"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Service implements the case state machine.
type Service struct {
	cases  store.CaseStore
	subs   store.SubmissionStore
	ledger *store.AuditLedger
	clock  func() time.Time
	policy ClosePolicy
	locks  *store.KeyedMutex
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClosePolicy(p ClosePolicy) Option {
	return func(s *Service) { s.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(cases store.CaseStore, subs store.SubmissionStore, ledger *store.AuditLedger, clock func() time.Time, opts ...Option) *Service {
	if clock == nil {
		clock = time.Now
	}
	s := &Service{
		cases:  cases,
		subs:   subs,
		ledger: ledger,
		clock:  clock,
		policy: ClosePolicyEnforce,
		locks:  store.NewKeyedMutex(),
		logger: slog.Default().With("component", "case_lifecycle"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), contracts.ErrInvalidInput)
}

// Create opens a case in DRAFT.
func (s *Service) Create(ctx context.Context, req CreateCaseRequest) (*contracts.Case, error) {
	now := s.clock().UTC()
	switch {
	case req.OrganizationID == "":
		return nil, invalid("organization is required")
	case strings.TrimSpace(req.ProductID) == "":
		return nil, invalid("product is required")
	case strings.TrimSpace(req.Title) == "":
		return nil, invalid("title must not be empty")
	case !req.EventType.Valid():
		return nil, invalid("unknown event type %q", req.EventType)
	case req.DetectedAt.IsZero():
		return nil, invalid("detected_at is required")
	case req.DetectedAt.After(now):
		return nil, invalid("detected_at %s is in the future", req.DetectedAt.UTC().Format(time.RFC3339))
	}
	for _, p := range req.Participants {
		if err := validateParticipant(p); err != nil {
			return nil, err
		}
	}

	c := &contracts.Case{
		ID:             uuid.New().String(),
		OrganizationID: req.OrganizationID,
		ProductID:      req.ProductID,
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		EventType:      req.EventType,
		Status:         contracts.CaseStatusDraft,
		DetectedAt:     req.DetectedAt.UTC(),
		StartedAt:      utcPtr(req.StartedAt),
		Participants:   append([]contracts.Participant{}, req.Participants...),
		Links:          []contracts.Link{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.cases.CreateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}

	if err := s.record(ctx, c, ActionCreated, map[string]interface{}{
		"product_id":  c.ProductID,
		"event_type":  c.EventType,
		"title":       c.Title,
		"detected_at": c.DetectedAt,
		"status":      c.Status,
	}); err != nil {
		if derr := s.cases.DeleteCase(context.WithoutCancel(ctx), c.ID); derr != nil {
			s.logger.ErrorContext(ctx, "unrecorded case left in store", "case_id", c.ID, "error", derr)
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "case created", "case_id", c.ID, "event_type", c.EventType, "organization_id", c.OrganizationID)
	return c, nil
}

// Get returns a case by id.
func (s *Service) Get(ctx context.Context, id string) (*contracts.Case, error) {
	return s.cases.GetCase(ctx, id)
}

// mutate loads the case under its lock, applies fn and persists the result.
// fn returns the audit action and payload, or an error to abort. If the audit
// record cannot be written the stored case is restored.
func (s *Service) mutate(ctx context.Context, id string, fn func(c *contracts.Case) (string, interface{}, error)) (*contracts.Case, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.cases.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := c.Status
	prev := c.Clone()

	action, payload, err := fn(c)
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = s.clock().UTC()

	if err := s.cases.UpdateCase(ctx, c, expected); err != nil {
		if errors.Is(err, store.ErrConcurrentUpdate) {
			return nil, fmt.Errorf("case %s changed concurrently: %w", id, contracts.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("update case: %w", err)
	}
	if err := s.record(ctx, c, action, payload); err != nil {
		if rerr := s.cases.UpdateCase(context.WithoutCancel(ctx), prev, c.Status); rerr != nil {
			s.logger.ErrorContext(ctx, "unrecorded case change left in store", "case_id", id, "action", action, "error", rerr)
		}
		return nil, err
	}
	return c, nil
}

func rejectClosed(c *contracts.Case) error {
	if c.IsClosed() {
		return fmt.Errorf("case %s is closed: %w", c.ID, contracts.ErrInvalidTransition)
	}
	return nil
}

// Update applies a patch to an open case.
func (s *Service) Update(ctx context.Context, id string, patch CasePatch) (*contracts.Case, error) {
	if patch.DetectedAt != nil {
		if _, err := s.cases.GetCase(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("detected_at cannot be changed after creation: %w", contracts.ErrImmutableField)
	}
	return s.mutate(ctx, id, func(c *contracts.Case) (string, interface{}, error) {
		if err := rejectClosed(c); err != nil {
			return "", nil, err
		}
		changes := map[string]interface{}{}
		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return "", nil, invalid("title must not be empty")
			}
			c.Title = title
			changes["title"] = title
		}
		if patch.Description != nil {
			c.Description = *patch.Description
			changes["description"] = c.Description
		}
		if patch.StartedAt != nil {
			c.StartedAt = utcPtr(patch.StartedAt)
			changes["started_at"] = c.StartedAt
		}
		if patch.PatchAvailableAt != nil {
			c.PatchAvailableAt = utcPtr(patch.PatchAvailableAt)
			changes["patch_available_at"] = c.PatchAvailableAt
		}
		if patch.ResolvedAt != nil {
			c.ResolvedAt = utcPtr(patch.ResolvedAt)
			changes["resolved_at"] = c.ResolvedAt
		}
		if len(changes) == 0 {
			return "", nil, invalid("patch has no fields")
		}
		return ActionUpdated, map[string]interface{}{"changes": changes}, nil
	})
}

// Advance moves a case one step along DRAFT → IN_REVIEW → SUBMITTED.
// Closing goes through Close so the submission gate applies.
func (s *Service) Advance(ctx context.Context, id string, to contracts.CaseStatus) (*contracts.Case, error) {
	if to == contracts.CaseStatusClosed {
		return nil, fmt.Errorf("use close to close a case: %w", contracts.ErrInvalidTransition)
	}
	return s.mutate(ctx, id, func(c *contracts.Case) (string, interface{}, error) {
		next, ok := c.Status.Next()
		if !ok || next != to {
			return "", nil, fmt.Errorf("case %s: %s -> %s: %w", c.ID, c.Status, to, contracts.ErrInvalidTransition)
		}
		from := c.Status
		c.Status = to
		return ActionAdvanced, map[string]interface{}{"from": from, "to": to}, nil
	})
}

// Close moves a SUBMITTED case to CLOSED. Under ClosePolicyEnforce it fails
// while any required report lacks an active SUBMITTED submission.
func (s *Service) Close(ctx context.Context, id string) (*CloseResult, error) {
	var warnings []string
	c, err := s.mutate(ctx, id, func(c *contracts.Case) (string, interface{}, error) {
		if c.Status != contracts.CaseStatusSubmitted {
			return "", nil, fmt.Errorf("case %s: %s -> %s: %w", c.ID, c.Status, contracts.CaseStatusClosed, contracts.ErrInvalidTransition)
		}
		subs, err := s.subs.ListSubmissions(ctx, c.ID)
		if err != nil {
			return "", nil, fmt.Errorf("list submissions: %w", err)
		}
		if missing := cra.Outstanding(c.EventType, subs); len(missing) > 0 {
			names := make([]string, len(missing))
			for i, m := range missing {
				names[i] = string(m)
			}
			if s.policy != ClosePolicyWarn {
				return "", nil, fmt.Errorf("case %s: %w: %w: %s",
					c.ID, contracts.ErrInvalidTransition, contracts.ErrOpenSubmissions, strings.Join(names, ", "))
			}
			for _, n := range names {
				warnings = append(warnings, fmt.Sprintf("required %s report not submitted", n))
			}
		}

		from := c.Status
		c.Status = contracts.CaseStatusClosed
		payload := map[string]interface{}{"from": from, "to": c.Status}
		if len(warnings) > 0 {
			payload["warnings"] = warnings
		}
		return ActionClosed, payload, nil
	})
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		s.logger.WarnContext(ctx, "case closed with outstanding reports", "case_id", id, "warnings", warnings)
	}
	return &CloseResult{Case: c, Warnings: warnings}, nil
}

func validateParticipant(p contracts.Participant) error {
	if strings.TrimSpace(p.UserID) == "" {
		return invalid("participant user id is required")
	}
	if !p.Role.Valid() {
		return invalid("unknown participant role %q", p.Role)
	}
	return nil
}

// AddParticipant appends a participant to an open case.
func (s *Service) AddParticipant(ctx context.Context, id string, p contracts.Participant) (*contracts.Case, error) {
	if err := validateParticipant(p); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(c *contracts.Case) (string, interface{}, error) {
		if err := rejectClosed(c); err != nil {
			return "", nil, err
		}
		c.Participants = append(c.Participants, p)
		return ActionParticipantAdded, map[string]interface{}{"user_id": p.UserID, "role": p.Role}, nil
	})
}

// AddLinks appends links to an open case as one action.
func (s *Service) AddLinks(ctx context.Context, id string, links []contracts.Link) (*contracts.Case, error) {
	if len(links) == 0 {
		return nil, invalid("no links given")
	}
	for _, l := range links {
		if !l.Type.Valid() {
			return nil, invalid("unknown link type %q", l.Type)
		}
		if strings.TrimSpace(l.TargetID) == "" {
			return nil, invalid("link target is required")
		}
	}
	return s.mutate(ctx, id, func(c *contracts.Case) (string, interface{}, error) {
		if err := rejectClosed(c); err != nil {
			return "", nil, err
		}
		c.Links = append(c.Links, links...)
		return ActionLinksAdded, map[string]interface{}{"links": links}, nil
	})
}

func (s *Service) record(ctx context.Context, c *contracts.Case, action string, payload interface{}) error {
	_, err := s.ledger.Append(ctx, store.AppendRequest{
		OrganizationID: c.OrganizationID,
		EntityType:     EntityType,
		EntityID:       c.ID,
		Action:         action,
		Actor:          auth.ActorFromContext(ctx),
		Payload:        payload,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "case_id", c.ID, "action", action, "error", err)
		return fmt.Errorf("record %s for case %s: %w", action, c.ID, err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
