package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrOrganizationID = attribute.Key("discloser.organization.id")
	AttrCaseID         = attribute.Key("discloser.case.id")
	AttrSubmissionID   = attribute.Key("discloser.submission.id")
	AttrSubmissionType = attribute.Key("discloser.submission.type")
	AttrEventType      = attribute.Key("discloser.event.type")
	AttrEntityType     = attribute.Key("discloser.entity.type")
	AttrAction         = attribute.Key("discloser.audit.action")
	AttrChannel        = attribute.Key("discloser.channel")
	AttrChannelStatus  = attribute.Key("discloser.channel.status")
	AttrOperation      = attribute.Key("discloser.operation")
	AttrErrorKind      = attribute.Key("discloser.error.kind")
)

// CaseOperation returns attributes for case-scoped operations.
func CaseOperation(orgID, caseID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOrganizationID.String(orgID),
		AttrCaseID.String(caseID),
	}
}

// SubmissionOperation returns attributes for submission-scoped operations.
func SubmissionOperation(orgID, submissionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOrganizationID.String(orgID),
		AttrSubmissionID.String(submissionID),
	}
}

type complianceMetrics struct {
	auditAppends      metric.Int64Counter
	integrityFailures metric.Int64Counter
	channelOutcomes   metric.Int64Counter
}

func (p *Provider) initComplianceMetrics() error {
	m := p.Meter()
	var (
		cm  complianceMetrics
		err error
	)
	cm.auditAppends, err = m.Int64Counter("discloser.audit.appends",
		metric.WithDescription("Audit records appended to the ledger"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return fmt.Errorf("audit appends counter: %w", err)
	}
	cm.integrityFailures, err = m.Int64Counter("discloser.audit.integrity_failures",
		metric.WithDescription("Ledger verifications that found a broken chain"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return fmt.Errorf("integrity failures counter: %w", err)
	}
	cm.channelOutcomes, err = m.Int64Counter("discloser.dispatch.channel_outcomes",
		metric.WithDescription("Terminal delivery outcomes per regulatory channel"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		return fmt.Errorf("channel outcomes counter: %w", err)
	}
	p.compliance = &cm
	return nil
}

func (p *Provider) RecordAuditAppend(ctx context.Context, entityType, action string) {
	if p.compliance == nil {
		return
	}
	p.compliance.auditAppends.Add(ctx, 1, metric.WithAttributes(
		AttrEntityType.String(entityType),
		AttrAction.String(action),
	))
}

// RecordIntegrityFailure counts a broken chain and marks the current span.
func (p *Provider) RecordIntegrityFailure(ctx context.Context, orgID string) {
	trace.SpanFromContext(ctx).AddEvent("ledger.integrity_violation",
		trace.WithAttributes(AttrOrganizationID.String(orgID)))
	if p.compliance == nil {
		return
	}
	p.compliance.integrityFailures.Add(ctx, 1, metric.WithAttributes(AttrOrganizationID.String(orgID)))
}

func (p *Provider) RecordChannelOutcome(ctx context.Context, channel, status string) {
	if p.compliance == nil {
		return
	}
	p.compliance.channelOutcomes.Add(ctx, 1, metric.WithAttributes(
		AttrChannel.String(channel),
		AttrChannelStatus.String(status),
	))
}
