package compliance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/discloser/pkg/compliance/dispatch"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/workflow"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/export"
	"github.com/Mindburn-Labs/discloser/pkg/observability"
)

// CreateSubmission opens a DRAFT report of type t on the case.
func (e *Engine) CreateSubmission(ctx context.Context, caseID string, t contracts.SubmissionType, opts workflow.CreateOptions) (sub *contracts.Submission, err error) {
	err = e.caseOp(ctx, "submission.create", caseID, func(ctx context.Context) error {
		sub, err = e.workflow.Create(ctx, caseID, t, opts)
		return err
	})
	return sub, err
}

func (e *Engine) GetSubmission(ctx context.Context, id string) (*contracts.Submission, error) {
	return e.authorizeSubmission(ctx, id)
}

// ListSubmissions returns every submission of a case, superseded ones included.
func (e *Engine) ListSubmissions(ctx context.Context, caseID string) ([]*contracts.Submission, error) {
	if _, err := e.authorizeCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.workflow.List(ctx, caseID)
}

func (e *Engine) submissionOp(ctx context.Context, name, id string, fn func(ctx context.Context) (*contracts.Submission, error)) (sub *contracts.Submission, err error) {
	cur, err := e.authorizeSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	attrs := append(observability.SubmissionOperation(cur.OrganizationID, cur.ID),
		observability.AttrSubmissionType.String(string(cur.SubmissionType)))
	ctx, done := e.obs.TrackOperation(ctx, name, attrs...)
	defer func() { done(err) }()
	return fn(ctx)
}

// SetContent stores report content produced outside the engine.
func (e *Engine) SetContent(ctx context.Context, id string, raw json.RawMessage) (*contracts.Submission, error) {
	return e.submissionOp(ctx, "submission.set_content", id, func(ctx context.Context) (*contracts.Submission, error) {
		return e.workflow.SetContent(ctx, id, raw)
	})
}

func (e *Engine) Validate(ctx context.Context, id string) (*contracts.Submission, error) {
	return e.submissionOp(ctx, "submission.validate", id, func(ctx context.Context) (*contracts.Submission, error) {
		return e.workflow.Validate(ctx, id)
	})
}

func (e *Engine) MarkReady(ctx context.Context, id string) (*contracts.Submission, error) {
	return e.submissionOp(ctx, "submission.mark_ready", id, func(ctx context.Context) (*contracts.Submission, error) {
		return e.workflow.MarkReady(ctx, id)
	})
}

func (e *Engine) Export(ctx context.Context, id string) (*contracts.Submission, error) {
	return e.submissionOp(ctx, "submission.export", id, func(ctx context.Context) (*contracts.Submission, error) {
		return e.workflow.Export(ctx, id)
	})
}

func (e *Engine) MarkSubmitted(ctx context.Context, id, reference, ackEvidenceID string) (*contracts.Submission, error) {
	return e.submissionOp(ctx, "submission.mark_submitted", id, func(ctx context.Context) (*contracts.Submission, error) {
		return e.workflow.MarkSubmitted(ctx, id, reference, ackEvidenceID)
	})
}

// Dispatch delivers a READY or EXPORTED submission to ENISA and, when
// countryCode is set, the national CSIRT. Channel failures are reported in
// the result, not as the error.
func (e *Engine) Dispatch(ctx context.Context, id, countryCode string) (*dispatch.DualResult, error) {
	var res *dispatch.DualResult
	_, err := e.submissionOp(ctx, "submission.dispatch", id, func(ctx context.Context) (*contracts.Submission, error) {
		r, err := e.dispatcher.SubmitParallel(ctx, id, countryCode)
		if err != nil {
			return nil, err
		}
		if r.Failed() {
			e.logger.WarnContext(ctx, "dispatch incomplete",
				"submission_id", id,
				"enisa", r.ENISA.Status,
				"csirt", r.CSIRT.Status)
		}
		res = r
		return r.Submission, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExportBundle returns the stored bundle of an exported submission.
func (e *Engine) ExportBundle(ctx context.Context, id string) ([]byte, error) {
	sub, err := e.authorizeSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.ExportArtifact == "" {
		return nil, notExported(id)
	}
	return e.renderer.Raw(ctx, sub.ExportArtifact)
}

// OpenExport returns the verified manifest and files of an exported submission.
func (e *Engine) OpenExport(ctx context.Context, id string) (*export.Manifest, map[string][]byte, error) {
	sub, err := e.authorizeSubmission(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if sub.ExportArtifact == "" {
		return nil, nil, notExported(id)
	}
	return e.renderer.Open(ctx, sub.ExportArtifact)
}

func notExported(id string) error {
	return fmt.Errorf("submission %s has no export: %w", id, contracts.ErrNotFound)
}
