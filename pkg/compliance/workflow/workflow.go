// Package workflow implements the submission state machine:
// DRAFT → READY → EXPORTED → SUBMITTED, gated by validation.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

const EntityType = "submission"

// Audit actions written by the workflow.
const (
	ActionCreated         = "created"
	ActionContentSet      = "content_set"
	ActionValidated       = "validated"
	ActionMarkedReady     = "marked_ready"
	ActionExported        = "exported"
	ActionMarkedSubmitted = "marked_submitted"
)

// ContentChangedMessage marks content that has not been validated since it
// was last set. It keeps the submission out of READY until Validate runs.
const ContentChangedMessage = "content changed since last validation"

// Exporter renders a submission into a downloadable artifact and returns
// an identifier for it.
type Exporter interface {
	Export(ctx context.Context, sub *contracts.Submission, c *contracts.Case) (string, error)
}

// CreateOptions tunes Create.
type CreateOptions struct {
	// Supersede replaces an existing active submission of the same type
	// instead of failing with ErrDuplicateActive.
	Supersede     bool
	SchemaVersion string
}

// Service implements the submission workflow.
type Service struct {
	cases    store.CaseStore
	subs     store.SubmissionStore
	ledger   *store.AuditLedger
	registry *Registry
	exporter Exporter
	clock    func() time.Time
	locks    *store.KeyedMutex
	logger   *slog.Logger
}

func New(cases store.CaseStore, subs store.SubmissionStore, ledger *store.AuditLedger, registry *Registry, exporter Exporter, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		cases:    cases,
		subs:     subs,
		ledger:   ledger,
		registry: registry,
		exporter: exporter,
		clock:    clock,
		locks:    store.NewKeyedMutex(),
		logger:   slog.Default().With("component", "submission_workflow"),
	}
}

// Create opens a DRAFT submission of the given type for an open case.
func (s *Service) Create(ctx context.Context, caseID string, t contracts.SubmissionType, opts CreateOptions) (*contracts.Submission, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown submission type %q: %w", t, contracts.ErrInvalidInput)
	}
	version := opts.SchemaVersion
	if version == "" {
		version = CurrentSchemaVersion
	}
	if _, err := s.registry.Lookup(t, version); err != nil {
		return nil, err
	}

	// Serialize creation per case so two callers cannot both pass the
	// duplicate check.
	unlock := s.locks.Lock("case:" + caseID)
	defer unlock()

	c, err := s.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.IsClosed() {
		return nil, fmt.Errorf("case %s is closed: %w", caseID, contracts.ErrInvalidTransition)
	}

	existing, err := s.subs.ListSubmissions(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	var prior *contracts.Submission
	for _, e := range existing {
		if e.SubmissionType == t && e.Active() {
			prior = e
			break
		}
	}
	if prior != nil {
		if !opts.Supersede {
			return nil, fmt.Errorf("case %s already has active %s submission %s: %w", caseID, t, prior.ID, contracts.ErrDuplicateActive)
		}
		if prior.Status == contracts.SubmissionStatusSubmitted {
			return nil, fmt.Errorf("submission %s was already submitted and cannot be superseded: %w", prior.ID, contracts.ErrInvalidTransition)
		}
	}

	now := s.clock().UTC()
	sub := &contracts.Submission{
		ID:             uuid.New().String(),
		CaseID:         caseID,
		OrganizationID: c.OrganizationID,
		SubmissionType: t,
		Status:         contracts.SubmissionStatusDraft,
		SchemaVersion:  version,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.subs.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}

	var replaced *contracts.Submission
	if prior != nil {
		unlockPrior := s.locks.Lock(prior.ID)
		defer unlockPrior()
		if replaced, err = s.supersede(ctx, prior.ID, sub.ID); err != nil {
			s.discard(ctx, sub.ID)
			return nil, err
		}
	}

	payload := map[string]interface{}{
		"case_id":         caseID,
		"submission_type": t,
		"schema_version":  version,
		"from":            nil,
		"to":              sub.Status,
	}
	if prior != nil {
		payload["supersedes"] = prior.ID
	}
	if err := s.record(ctx, sub, ActionCreated, payload); err != nil {
		if replaced != nil {
			s.restore(ctx, replaced, replaced.Status)
		}
		s.discard(ctx, sub.ID)
		return nil, err
	}
	return sub, nil
}

// supersede points the prior submission at its replacement and returns the
// prior as it was. The caller holds the prior's lock.
func (s *Service) supersede(ctx context.Context, priorID, newID string) (*contracts.Submission, error) {
	sub, err := s.subs.GetSubmission(ctx, priorID)
	if err != nil {
		return nil, err
	}
	if sub.Status == contracts.SubmissionStatusSubmitted {
		return nil, fmt.Errorf("submission %s was already submitted: %w", sub.ID, contracts.ErrInvalidTransition)
	}
	before := sub.Clone()
	sub.SupersededBy = newID
	sub.UpdatedAt = s.clock().UTC()
	if err := s.subs.UpdateSubmission(ctx, sub, before.Status); err != nil {
		if errors.Is(err, store.ErrConcurrentUpdate) {
			return nil, fmt.Errorf("submission %s changed concurrently: %w", priorID, contracts.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("supersede submission: %w", err)
	}
	return before, nil
}

// restore writes back a submission whose change could not be audited.
func (s *Service) restore(ctx context.Context, before *contracts.Submission, current contracts.SubmissionStatus) {
	if err := s.subs.UpdateSubmission(context.WithoutCancel(ctx), before, current); err != nil {
		s.logger.ErrorContext(ctx, "unrecorded submission change left in store", "submission_id", before.ID, "error", err)
	}
}

func (s *Service) discard(ctx context.Context, id string) {
	if err := s.subs.DeleteSubmission(context.WithoutCancel(ctx), id); err != nil {
		s.logger.ErrorContext(ctx, "unrecorded submission left in store", "submission_id", id, "error", err)
	}
}

// Get returns a submission by id.
func (s *Service) Get(ctx context.Context, id string) (*contracts.Submission, error) {
	return s.subs.GetSubmission(ctx, id)
}

// List returns a case's submissions, superseded ones included.
func (s *Service) List(ctx context.Context, caseID string) ([]*contracts.Submission, error) {
	return s.subs.ListSubmissions(ctx, caseID)
}

// transition loads a submission under its lock, applies fn and persists it
// with a compare-and-set on the prior status. fn returns the audit action and
// payload; from/to statuses are added to the payload. If the audit record
// cannot be written the stored submission is restored.
func (s *Service) transition(ctx context.Context, id string, fn func(sub *contracts.Submission) (string, map[string]interface{}, error)) (*contracts.Submission, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sub, err := s.subs.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	from := sub.Status
	before := sub.Clone()

	action, payload, err := fn(sub)
	if err != nil {
		return nil, err
	}
	if sub.Status.Rank() < from.Rank() {
		return nil, fmt.Errorf("submission %s: %s -> %s: %w", id, from, sub.Status, contracts.ErrInvalidTransition)
	}
	sub.UpdatedAt = s.clock().UTC()

	if err := s.subs.UpdateSubmission(ctx, sub, from); err != nil {
		if errors.Is(err, store.ErrConcurrentUpdate) {
			return nil, fmt.Errorf("submission %s changed concurrently: %w", id, contracts.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("update submission: %w", err)
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["from"] = from
	payload["to"] = sub.Status
	if err := s.record(ctx, sub, action, payload); err != nil {
		s.restore(ctx, before, sub.Status)
		return nil, err
	}
	return sub, nil
}

func requireStatus(sub *contracts.Submission, allowed ...contracts.SubmissionStatus) error {
	for _, a := range allowed {
		if sub.Status == a {
			return nil
		}
	}
	return fmt.Errorf("submission %s is %s: %w", sub.ID, sub.Status, contracts.ErrInvalidTransition)
}

// SetContent stores externally produced content on a DRAFT submission. The
// content must be re-validated before the submission can become READY.
func (s *Service) SetContent(ctx context.Context, id string, raw json.RawMessage) (*contracts.Submission, error) {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, fmt.Errorf("content must be a JSON document: %w", contracts.ErrInvalidInput)
	}
	return s.transition(ctx, id, func(sub *contracts.Submission) (string, map[string]interface{}, error) {
		if err := requireStatus(sub, contracts.SubmissionStatusDraft); err != nil {
			return "", nil, err
		}
		sub.ContentJSON = append(json.RawMessage(nil), raw...)
		sub.ValidationErrors = []string{ContentChangedMessage}
		return ActionContentSet, map[string]interface{}{"content_bytes": len(raw)}, nil
	})
}

// Validate runs the registry rules for the submission's schema version and
// stores the outcome. Status is unchanged.
func (s *Service) Validate(ctx context.Context, id string) (*contracts.Submission, error) {
	return s.transition(ctx, id, func(sub *contracts.Submission) (string, map[string]interface{}, error) {
		if err := requireStatus(sub, contracts.SubmissionStatusDraft); err != nil {
			return "", nil, err
		}
		c, err := s.cases.GetCase(ctx, sub.CaseID)
		if err != nil {
			return "", nil, err
		}
		problems, err := s.registry.Validate(sub, c, s.clock())
		if err != nil {
			return "", nil, err
		}
		sub.ValidationErrors = nil
		if len(problems) > 0 {
			sub.ValidationErrors = problems
		}
		return ActionValidated, map[string]interface{}{
			"valid":             len(problems) == 0,
			"validation_errors": problems,
			"schema_version":    sub.SchemaVersion,
		}, nil
	})
}

// MarkReady moves a DRAFT submission to READY when its last validation passed.
func (s *Service) MarkReady(ctx context.Context, id string) (*contracts.Submission, error) {
	return s.transition(ctx, id, func(sub *contracts.Submission) (string, map[string]interface{}, error) {
		if err := requireStatus(sub, contracts.SubmissionStatusDraft); err != nil {
			return "", nil, err
		}
		if !sub.Active() {
			return "", nil, fmt.Errorf("submission %s is superseded: %w", sub.ID, contracts.ErrInvalidTransition)
		}
		if len(sub.ValidationErrors) > 0 {
			return "", nil, fmt.Errorf("submission %s has %d validation errors: %w", sub.ID, len(sub.ValidationErrors), contracts.ErrValidationRequired)
		}
		sub.Status = contracts.SubmissionStatusReady
		return ActionMarkedReady, nil, nil
	})
}

// Export renders the submission and moves it to EXPORTED. Exporting an
// EXPORTED submission again re-renders it.
func (s *Service) Export(ctx context.Context, id string) (*contracts.Submission, error) {
	return s.transition(ctx, id, func(sub *contracts.Submission) (string, map[string]interface{}, error) {
		if err := requireStatus(sub, contracts.SubmissionStatusReady, contracts.SubmissionStatusExported); err != nil {
			return "", nil, err
		}
		if s.exporter == nil {
			return "", nil, fmt.Errorf("no export renderer configured")
		}
		c, err := s.cases.GetCase(ctx, sub.CaseID)
		if err != nil {
			return "", nil, err
		}
		artifact, err := s.exporter.Export(ctx, sub, c)
		if err != nil {
			return "", nil, fmt.Errorf("export submission %s: %w", sub.ID, err)
		}
		sub.ExportArtifact = artifact
		sub.Status = contracts.SubmissionStatusExported
		return ActionExported, map[string]interface{}{"artifact": artifact}, nil
	})
}

// MarkSubmitted records the regulator's reference and moves the submission to SUBMITTED.
func (s *Service) MarkSubmitted(ctx context.Context, id, reference, ackEvidenceID string) (*contracts.Submission, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("submission reference is required: %w", contracts.ErrInvalidInput)
	}
	return s.transition(ctx, id, func(sub *contracts.Submission) (string, map[string]interface{}, error) {
		if err := requireStatus(sub, contracts.SubmissionStatusReady, contracts.SubmissionStatusExported); err != nil {
			return "", nil, err
		}
		now := s.clock().UTC()
		sub.Status = contracts.SubmissionStatusSubmitted
		sub.SubmittedReference = reference
		sub.SubmittedAt = &now
		sub.AcknowledgmentEvidenceID = ackEvidenceID
		payload := map[string]interface{}{"reference": reference}
		if ackEvidenceID != "" {
			payload["acknowledgment_evidence_id"] = ackEvidenceID
		}
		return ActionMarkedSubmitted, payload, nil
	})
}

func (s *Service) record(ctx context.Context, sub *contracts.Submission, action string, payload map[string]interface{}) error {
	actor := auth.ActorFromContext(ctx)
	payload["actor"] = actor
	_, err := s.ledger.Append(ctx, store.AppendRequest{
		OrganizationID: sub.OrganizationID,
		EntityType:     EntityType,
		EntityID:       sub.ID,
		Action:         action,
		Actor:          actor,
		Payload:        payload,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "submission_id", sub.ID, "action", action, "error", err)
		return fmt.Errorf("record %s for submission %s: %w", action, sub.ID, err)
	}
	return nil
}
