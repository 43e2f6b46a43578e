// Package dispatch delivers a submission to the primary receiver and a
// national CSIRT in parallel. Each leg owns its own channel field on the
// submission and never touches the other leg or the workflow status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/workflow"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/notifier"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

// Audit actions written per leg.
const (
	ActionChannelSubmitted = "channel_submitted"
	ActionChannelFailed    = "channel_failed"
)

const (
	DefaultLegTimeout = 30 * time.Second
	defaultGrace      = 2 * time.Second
	storeTimeout      = 5 * time.Second
)

// ChannelOutcome is the result of one leg.
type ChannelOutcome struct {
	Channel   contracts.Channel       `json:"channel"`
	Status    contracts.ChannelStatus `json:"status,omitempty"`
	Reference string                  `json:"reference,omitempty"`
	Err       error                   `json:"-"`
	Error     string                  `json:"error,omitempty"`
	Skipped   bool                    `json:"skipped,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

// unrecorded notes that the leg's stored outcome has no audit record.
func (o *ChannelOutcome) unrecorded(err error) {
	err = fmt.Errorf("%s: outcome not recorded: %w", o.Channel, err)
	if o.Err != nil {
		err = fmt.Errorf("%w; %w", o.Err, err)
	}
	o.Err, o.Error = err, err.Error()
}

// DualResult holds both leg outcomes and the submission as stored afterwards.
type DualResult struct {
	SubmissionID string                `json:"submission_id"`
	ENISA        ChannelOutcome        `json:"enisa"`
	CSIRT        ChannelOutcome        `json:"csirt"`
	Submission   *contracts.Submission `json:"submission,omitempty"`
}

// Outcome returns the outcome for ch.
func (r *DualResult) Outcome(ch contracts.Channel) ChannelOutcome {
	if ch == contracts.ChannelCSIRT {
		return r.CSIRT
	}
	return r.ENISA
}

// Failed reports whether any attempted leg ended in FAILED.
func (r *DualResult) Failed() bool {
	return r.ENISA.Status == contracts.ChannelFailed || r.CSIRT.Status == contracts.ChannelFailed
}

// OutcomeHook observes terminal leg outcomes.
type OutcomeHook func(ctx context.Context, ch contracts.Channel, status contracts.ChannelStatus)

type Submitter struct {
	subs       store.SubmissionStore
	ledger     *store.AuditLedger
	directory  *notifier.Directory
	clock      func() time.Time
	legTimeout time.Duration
	grace      time.Duration
	hook       OutcomeHook
	logger     *slog.Logger
}

type Option func(*Submitter)

// WithLegTimeout bounds each delivery attempt.
func WithLegTimeout(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.legTimeout = d
		}
	}
}

// WithGrace sets how long the join waits past the leg timeout for a leg
// whose notifier ignores cancellation.
func WithGrace(d time.Duration) Option {
	return func(s *Submitter) {
		if d >= 0 {
			s.grace = d
		}
	}
}

func WithOutcomeHook(h OutcomeHook) Option {
	return func(s *Submitter) { s.hook = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

func New(subs store.SubmissionStore, ledger *store.AuditLedger, directory *notifier.Directory, clock func() time.Time, opts ...Option) *Submitter {
	if clock == nil {
		clock = time.Now
	}
	s := &Submitter{
		subs:       subs,
		ledger:     ledger,
		directory:  directory,
		clock:      clock,
		legTimeout: DefaultLegTimeout,
		grace:      defaultGrace,
		logger:     slog.Default().With("component", "dual_channel_submitter"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LegTimeout returns the configured per-leg bound.
func (s *Submitter) LegTimeout() time.Duration { return s.legTimeout }

type leg struct {
	channel   contracts.Channel
	attemptID string
	notifier  notifier.Notifier
	resolve   error
	payload   notifier.Payload
}

type legResult struct {
	outcome ChannelOutcome
}

// SubmitParallel delivers a READY or EXPORTED submission on both channels.
// An empty csirtCountryCode skips the CSIRT leg. Channel failures and
// timeouts are reported in the result, not as the returned error. If ctx is
// cancelled before both legs finish, SubmitParallel returns ctx.Err() and
// the legs keep running to completion.
func (s *Submitter) SubmitParallel(ctx context.Context, submissionID, csirtCountryCode string) (*DualResult, error) {
	sub, err := s.subs.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != contracts.SubmissionStatusReady && sub.Status != contracts.SubmissionStatusExported {
		return nil, fmt.Errorf("submission %s is %s, want READY or EXPORTED: %w", sub.ID, sub.Status, contracts.ErrInvalidTransition)
	}
	if !sub.Active() {
		return nil, fmt.Errorf("submission %s was superseded by %s: %w", sub.ID, sub.SupersededBy, contracts.ErrInvalidTransition)
	}
	if csirtCountryCode != "" && csirtCountryCode != sub.CSIRTCountryCode {
		if err := s.subs.SetCSIRTCountry(ctx, sub.ID, csirtCountryCode); err != nil {
			return nil, fmt.Errorf("set csirt country: %w", err)
		}
		sub.CSIRTCountryCode = csirtCountryCode
	}

	result := &DualResult{
		SubmissionID: sub.ID,
		ENISA:        ChannelOutcome{Channel: contracts.ChannelENISA},
		CSIRT:        ChannelOutcome{Channel: contracts.ChannelCSIRT},
	}

	var legs []*leg
	for _, ch := range []contracts.Channel{contracts.ChannelENISA, contracts.ChannelCSIRT} {
		out := s.outcomeRef(result, ch)
		if ch == contracts.ChannelCSIRT && csirtCountryCode == "" {
			out.Skipped, out.Reason = true, "no csirt country code"
			continue
		}
		if cur := sub.Channel(ch); cur.Status == contracts.ChannelSubmitted {
			*out = ChannelOutcome{Channel: ch, Status: cur.Status, Reference: cur.Reference, Skipped: true, Reason: "already submitted"}
			continue
		}
		l := &leg{channel: ch, attemptID: uuid.New().String()}
		if ch == contracts.ChannelCSIRT {
			l.notifier, l.resolve = s.directory.CSIRT(csirtCountryCode)
		} else {
			l.notifier = s.directory.Primary()
		}
		l.payload = notifier.Payload{
			SubmissionID:   sub.ID,
			CaseID:         sub.CaseID,
			OrganizationID: sub.OrganizationID,
			SubmissionType: sub.SubmissionType,
			SchemaVersion:  sub.SchemaVersion,
			Channel:        ch,
			Content:        sub.ContentJSON,
			AttemptID:      l.attemptID,
		}
		if ch == contracts.ChannelCSIRT {
			l.payload.CountryCode = csirtCountryCode
		}
		legs = append(legs, l)
	}

	if len(legs) > 0 {
		if err := s.run(ctx, sub, legs, result); err != nil {
			return nil, err
		}
	}

	stored, err := s.subs.GetSubmission(context.WithoutCancel(ctx), sub.ID)
	if err != nil {
		return nil, err
	}
	result.Submission = stored
	return result, nil
}

func (s *Submitter) outcomeRef(r *DualResult, ch contracts.Channel) *ChannelOutcome {
	if ch == contracts.ChannelCSIRT {
		return &r.CSIRT
	}
	return &r.ENISA
}

// run fans the legs out and joins them under a bounded timer.
func (s *Submitter) run(ctx context.Context, sub *contracts.Submission, legs []*leg, result *DualResult) error {
	detached := context.WithoutCancel(ctx)
	results := make(chan legResult, len(legs))
	for _, l := range legs {
		go func(l *leg) {
			results <- legResult{outcome: s.attempt(detached, sub, l)}
		}(l)
	}

	timer := time.NewTimer(s.legTimeout + s.grace)
	defer timer.Stop()

	pending := make(map[contracts.Channel]*leg, len(legs))
	for _, l := range legs {
		pending[l.channel] = l
	}
	for len(pending) > 0 {
		select {
		case r := <-results:
			*s.outcomeRef(result, r.outcome.Channel) = r.outcome
			delete(pending, r.outcome.Channel)
		case <-timer.C:
			for ch, l := range pending {
				*s.outcomeRef(result, ch) = s.expire(detached, sub, l)
				delete(pending, ch)
			}
		case <-ctx.Done():
			s.logger.WarnContext(detached, "caller gone before legs finished, continuing in background",
				"submission_id", sub.ID, "pending", len(pending))
			return ctx.Err()
		}
	}
	return nil
}

func (s *Submitter) attempt(ctx context.Context, sub *contracts.Submission, l *leg) ChannelOutcome {
	out := ChannelOutcome{Channel: l.channel}
	now := s.clock().UTC()

	claimCtx, cancelClaim := context.WithTimeout(ctx, storeTimeout)
	claimed, err := s.subs.MarkChannelPending(claimCtx, sub.ID, l.channel, l.attemptID, now, now.Add(-2*s.legTimeout))
	cancelClaim()
	if err != nil {
		out.Status = contracts.ChannelFailed
		out.Err = fmt.Errorf("%s: claim channel: %w: %w", l.channel, contracts.ErrChannelFailure, err)
		out.Error = out.Err.Error()
		return out
	}
	if !claimed {
		out.Skipped, out.Reason = true, "attempt already in flight"
		if cur, err := s.subs.GetSubmission(ctx, sub.ID); err == nil {
			st := cur.Channel(l.channel)
			out.Status, out.Reference = st.Status, st.Reference
		}
		return out
	}

	var receipt notifier.Receipt
	if l.resolve != nil {
		err = l.resolve
	} else {
		legCtx, cancel := context.WithTimeout(ctx, s.legTimeout)
		receipt, err = l.notifier.Submit(legCtx, l.payload)
		cancel()
		if err == nil && receipt.Failed() {
			err = receipt.RejectionError()
		}
	}

	state := contracts.ChannelState{}
	switch {
	case err == nil:
		state.Status, state.Reference = contracts.ChannelSubmitted, receipt.Reference
		out.Status, out.Reference = state.Status, state.Reference
	case errors.Is(err, context.DeadlineExceeded):
		out.Err = fmt.Errorf("%s: %w: %w", l.channel, contracts.ErrTimeoutExceeded, err)
	default:
		out.Err = fmt.Errorf("%s: %w: %w", l.channel, contracts.ErrChannelFailure, err)
	}
	if out.Err != nil {
		state.Status, state.Error = contracts.ChannelFailed, out.Err.Error()
		out.Status, out.Error = state.Status, state.Error
		state.Reference = receipt.Reference
	}

	won, auditErr := s.finish(ctx, sub, l, state)
	if !won {
		// the join already expired this attempt
		s.logger.WarnContext(ctx, "late channel result discarded",
			"submission_id", sub.ID, "channel", l.channel, "attempt_id", l.attemptID, "status", state.Status)
		out.Status = contracts.ChannelFailed
		out.Err = fmt.Errorf("%s: %w", l.channel, contracts.ErrTimeoutExceeded)
		out.Error = out.Err.Error()
		return out
	}
	if auditErr != nil {
		out.unrecorded(auditErr)
	}
	return out
}

// expire fails a leg that did not report back before the join timer fired.
func (s *Submitter) expire(ctx context.Context, sub *contracts.Submission, l *leg) ChannelOutcome {
	err := fmt.Errorf("%s: no result within %s: %w", l.channel, s.legTimeout, contracts.ErrTimeoutExceeded)
	state := contracts.ChannelState{Status: contracts.ChannelFailed, Error: err.Error()}
	if won, auditErr := s.finish(ctx, sub, l, state); won {
		out := ChannelOutcome{Channel: l.channel, Status: state.Status, Err: err, Error: state.Error}
		if auditErr != nil {
			out.unrecorded(auditErr)
		}
		return out
	}
	// the leg won the race; report what it stored
	out := ChannelOutcome{Channel: l.channel}
	if cur, gerr := s.subs.GetSubmission(ctx, sub.ID); gerr == nil {
		st := cur.Channel(l.channel)
		out.Status, out.Reference, out.Error = st.Status, st.Reference, st.Error
		if st.Status == contracts.ChannelFailed {
			out.Err = fmt.Errorf("%s: %s: %w", l.channel, st.Error, contracts.ErrChannelFailure)
		}
	}
	return out
}

// finish writes the terminal state if this attempt still owns the channel
// and records it in the ledger. It reports whether the write won and any
// error from the ledger. The stored outcome is kept when the ledger fails.
func (s *Submitter) finish(ctx context.Context, sub *contracts.Submission, l *leg, state contracts.ChannelState) (bool, error) {
	wctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	won, err := s.subs.SetChannelOutcome(wctx, sub.ID, l.channel, l.attemptID, state)
	if err != nil {
		s.logger.ErrorContext(ctx, "store channel outcome failed",
			"submission_id", sub.ID, "channel", l.channel, "error", err)
		return false, nil
	}
	if !won {
		return false, nil
	}

	action := ActionChannelSubmitted
	if state.Status == contracts.ChannelFailed {
		action = ActionChannelFailed
		s.logger.WarnContext(ctx, "channel failed", "submission_id", sub.ID, "channel", l.channel, "error", state.Error)
	} else {
		s.logger.InfoContext(ctx, "channel submitted", "submission_id", sub.ID, "channel", l.channel, "reference", state.Reference)
	}
	if s.hook != nil {
		s.hook(ctx, l.channel, state.Status)
	}

	actor := auth.ActorFromContext(ctx)
	payload := map[string]interface{}{
		"channel":    l.channel,
		"attempt_id": l.attemptID,
		"status":     state.Status,
		"actor":      actor,
	}
	if state.Reference != "" {
		payload["reference"] = state.Reference
	}
	if state.Error != "" {
		payload["error"] = state.Error
	}
	if l.payload.CountryCode != "" {
		payload["country_code"] = l.payload.CountryCode
	}
	if _, err := s.ledger.Append(ctx, store.AppendRequest{
		OrganizationID: sub.OrganizationID,
		EntityType:     workflow.EntityType,
		EntityID:       sub.ID,
		Action:         action,
		Actor:          actor,
		Payload:        payload,
	}); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "submission_id", sub.ID, "action", action, "error", err)
		return true, fmt.Errorf("record %s: %w", action, err)
	}
	return true, nil
}
