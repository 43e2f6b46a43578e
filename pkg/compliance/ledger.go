package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/observability"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

// VerifyLedger walks the caller's chain. A broken chain is returned both as
// a result with Valid=false and as an error wrapping ErrIntegrityViolation.
func (e *Engine) VerifyLedger(ctx context.Context) (*store.VerifyResult, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	return e.verifyLedger(ctx, org)
}

// VerifyOrganization verifies orgID's chain regardless of the caller. It
// backs operator tooling such as the CLI.
func (e *Engine) VerifyOrganization(ctx context.Context, orgID string) (*store.VerifyResult, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization is required", contracts.ErrInvalidInput)
	}
	return e.verifyLedger(ctx, orgID)
}

func (e *Engine) verifyLedger(ctx context.Context, org string) (res *store.VerifyResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "ledger.verify", observability.AttrOrganizationID.String(org))
	defer func() { done(err) }()

	res, err = e.ledger.Verify(ctx, org)
	if errors.Is(err, contracts.ErrIntegrityViolation) {
		e.obs.RecordIntegrityFailure(ctx, org)
		e.logger.ErrorContext(ctx, "audit chain integrity violation",
			"organization_id", org,
			"broken_sequence", res.BrokenSequence,
			"verified_events", res.VerifiedEvents,
			"total_events", res.TotalEvents,
			"message", res.Message)
	}
	return res, err
}

// ListEvents returns the caller's audit records in sequence order.
func (e *Engine) ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.AuditRecord, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	return e.ledger.ListEvents(ctx, org, filter)
}

// Checkpoint signs the caller's current chain head.
func (e *Engine) Checkpoint(ctx context.Context) (*store.Checkpoint, error) {
	if e.checkpoints == nil {
		return nil, ErrCheckpointsDisabled
	}
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	return e.checkpoints.Checkpoint(ctx, e.ledger, org)
}

// CheckCheckpoint confirms that a previously issued checkpoint still matches
// the caller's chain.
func (e *Engine) CheckCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	org, err := organization(ctx)
	if err != nil {
		return err
	}
	if cp.OrganizationID != org {
		return fmt.Errorf("%w: checkpoint belongs to another organization", contracts.ErrInvalidInput)
	}
	return cp.CheckAgainst(ctx, e.ledger)
}
