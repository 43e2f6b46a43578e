package compliance

import (
	"context"

	"github.com/Mindburn-Labs/discloser/pkg/compliance/lifecycle"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/observability"
)

// CreateCase opens a case for the caller's organization. Any organization in
// req is replaced by the caller's.
func (e *Engine) CreateCase(ctx context.Context, req lifecycle.CreateCaseRequest) (_ *contracts.Case, err error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done := e.obs.TrackOperation(ctx, "case.create", observability.AttrOrganizationID.String(org))
	defer func() { done(err) }()

	req.OrganizationID = org
	return e.lifecycle.Create(ctx, req)
}

func (e *Engine) GetCase(ctx context.Context, caseID string) (*contracts.Case, error) {
	return e.authorizeCase(ctx, caseID)
}

// ListCases returns the caller's cases.
func (e *Engine) ListCases(ctx context.Context) ([]*contracts.Case, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	return e.cases.ListCases(ctx, org)
}

func (e *Engine) caseOp(ctx context.Context, name, caseID string, fn func(ctx context.Context) error) (err error) {
	c, err := e.authorizeCase(ctx, caseID)
	if err != nil {
		return err
	}
	ctx, done := e.obs.TrackOperation(ctx, name, observability.CaseOperation(c.OrganizationID, c.ID)...)
	defer func() { done(err) }()
	return fn(ctx)
}

func (e *Engine) UpdateCase(ctx context.Context, caseID string, patch lifecycle.CasePatch) (c *contracts.Case, err error) {
	err = e.caseOp(ctx, "case.update", caseID, func(ctx context.Context) error {
		c, err = e.lifecycle.Update(ctx, caseID, patch)
		return err
	})
	return c, err
}

// AdvanceCase moves a case one step along DRAFT → IN_REVIEW → SUBMITTED.
func (e *Engine) AdvanceCase(ctx context.Context, caseID string, to contracts.CaseStatus) (c *contracts.Case, err error) {
	err = e.caseOp(ctx, "case.advance", caseID, func(ctx context.Context) error {
		c, err = e.lifecycle.Advance(ctx, caseID, to)
		return err
	})
	return c, err
}

func (e *Engine) CloseCase(ctx context.Context, caseID string) (res *lifecycle.CloseResult, err error) {
	err = e.caseOp(ctx, "case.close", caseID, func(ctx context.Context) error {
		res, err = e.lifecycle.Close(ctx, caseID)
		return err
	})
	return res, err
}

func (e *Engine) AddParticipant(ctx context.Context, caseID string, p contracts.Participant) (c *contracts.Case, err error) {
	err = e.caseOp(ctx, "case.add_participant", caseID, func(ctx context.Context) error {
		c, err = e.lifecycle.AddParticipant(ctx, caseID, p)
		return err
	})
	return c, err
}

func (e *Engine) AddLinks(ctx context.Context, caseID string, links []contracts.Link) (c *contracts.Case, err error) {
	err = e.caseOp(ctx, "case.add_links", caseID, func(ctx context.Context) error {
		c, err = e.lifecycle.AddLinks(ctx, caseID, links)
		return err
	})
	return c, err
}
