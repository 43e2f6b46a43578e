// Package compliance wires the case lifecycle, the submission workflow, the
// dual-channel submitter and the audit ledger into one Engine scoped by the
// calling organization.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/artifacts"
	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/dispatch"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/lifecycle"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/workflow"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/export"
	"github.com/Mindburn-Labs/discloser/pkg/notifier"
	"github.com/Mindburn-Labs/discloser/pkg/observability"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

// ErrCheckpointsDisabled is returned by Checkpoint when no signing seed is configured.
var ErrCheckpointsDisabled = errors.New("checkpoint signing not configured")

// Config collects the Engine's collaborators. Nil stores default to memory.
type Config struct {
	Cases        store.CaseStore
	Submissions  store.SubmissionStore
	AuditBackend store.AuditBackend
	Artifacts    artifacts.Store
	Directory    *notifier.Directory
	Registry     *workflow.Registry

	Clock       func() time.Time
	ClosePolicy lifecycle.ClosePolicy
	LegTimeout  time.Duration
	TailLocker  store.TailLocker

	// CheckpointSeed enables signed chain-head checkpoints.
	CheckpointSeed []byte

	Observability *observability.Provider
	// EntryHandlers are notified after each durable audit append.
	EntryHandlers []store.EntryHandler
	Logger        *slog.Logger
}

// Engine is the compliance orchestrator. Every call is scoped to the
// organization of the Principal in the context.
type Engine struct {
	clock       func() time.Time
	cases       store.CaseStore
	subs        store.SubmissionStore
	ledger      *store.AuditLedger
	lifecycle   *lifecycle.Service
	workflow    *workflow.Service
	dispatcher  *dispatch.Submitter
	renderer    *export.Renderer
	checkpoints *store.CheckpointSigner
	obs         *observability.Provider
	logger      *slog.Logger
}

// NewEngine builds an Engine. The same clock is handed to every component.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "compliance_engine")
	}
	if cfg.Cases == nil {
		cfg.Cases = store.NewMemoryCaseStore()
	}
	if cfg.Submissions == nil {
		cfg.Submissions = store.NewMemorySubmissionStore()
	}
	if cfg.AuditBackend == nil {
		cfg.AuditBackend = store.NewMemoryAuditBackend()
	}
	if cfg.Artifacts == nil {
		cfg.Artifacts = artifacts.NewMemoryStore()
	}
	if cfg.Directory == nil {
		cfg.Directory = notifier.NewDirectory(notifier.NewLoopbackNotifier("enisa")).
			WithFallback(notifier.NewLoopbackNotifier("csirt"))
	}
	if cfg.Registry == nil {
		reg, err := workflow.NewRegistry()
		if err != nil {
			return nil, fmt.Errorf("validator registry: %w", err)
		}
		cfg.Registry = reg
	}
	if cfg.Observability == nil {
		obs, err := observability.New(ctx, &observability.Config{ServiceName: "discloser", Enabled: false})
		if err != nil {
			return nil, err
		}
		cfg.Observability = obs
	}

	ledgerOpts := []store.LedgerOption{store.WithClock(cfg.Clock)}
	if cfg.TailLocker != nil {
		ledgerOpts = append(ledgerOpts, store.WithTailLocker(cfg.TailLocker))
	}
	ledger := store.NewAuditLedger(cfg.AuditBackend, ledgerOpts...)

	obs := cfg.Observability
	ledger.AddHandler(func(rec *store.AuditRecord) {
		obs.RecordAuditAppend(context.Background(), rec.EntityType, rec.Action)
	})
	for _, h := range cfg.EntryHandlers {
		ledger.AddHandler(h)
	}

	renderer := export.NewRenderer(cfg.Artifacts, ledger)

	var lcOpts []lifecycle.Option
	if cfg.ClosePolicy != "" {
		lcOpts = append(lcOpts, lifecycle.WithClosePolicy(cfg.ClosePolicy))
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithOutcomeHook(func(ctx context.Context, ch contracts.Channel, status contracts.ChannelStatus) {
			obs.RecordChannelOutcome(ctx, string(ch), string(status))
		}),
	}
	if cfg.LegTimeout > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithLegTimeout(cfg.LegTimeout))
	}

	e := &Engine{
		clock:      cfg.Clock,
		cases:      cfg.Cases,
		subs:       cfg.Submissions,
		ledger:     ledger,
		lifecycle:  lifecycle.New(cfg.Cases, cfg.Submissions, ledger, cfg.Clock, lcOpts...),
		workflow:   workflow.New(cfg.Cases, cfg.Submissions, ledger, cfg.Registry, renderer, cfg.Clock),
		dispatcher: dispatch.New(cfg.Submissions, ledger, cfg.Directory, cfg.Clock, dispatchOpts...),
		renderer:   renderer,
		obs:        obs,
		logger:     cfg.Logger,
	}

	if len(cfg.CheckpointSeed) > 0 {
		signer, err := store.NewCheckpointSigner(cfg.CheckpointSeed, cfg.Clock)
		if err != nil {
			return nil, err
		}
		e.checkpoints = signer
	}
	return e, nil
}

// Ledger exposes the audit ledger for read-only tooling.
func (e *Engine) Ledger() *store.AuditLedger { return e.ledger }

// LegTimeout reports the dispatcher's per-channel bound.
func (e *Engine) LegTimeout() time.Duration { return e.dispatcher.LegTimeout() }

func organization(ctx context.Context) (string, error) {
	org, err := auth.GetOrganizationID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: request is not bound to an organization", contracts.ErrInvalidInput)
	}
	return org, nil
}

// authorizeCase loads a case and hides it from other organizations.
func (e *Engine) authorizeCase(ctx context.Context, caseID string) (*contracts.Case, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	c, err := e.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.OrganizationID != org {
		return nil, contracts.CaseNotFound(caseID)
	}
	return c, nil
}

func (e *Engine) authorizeSubmission(ctx context.Context, id string) (*contracts.Submission, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := e.subs.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.OrganizationID != org {
		return nil, contracts.SubmissionNotFound(id)
	}
	return sub, nil
}
