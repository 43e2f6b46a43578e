package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "discloser", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.Equal(t, 15*time.Second, config.MetricInterval)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx, done := p.TrackOperation(context.Background(), "case.create")
	done(errors.New("boom"))
	p.RecordAuditAppend(ctx, "case", "created")
	p.RecordChannelOutcome(ctx, "ENISA", "SUBMITTED")
	p.RecordIntegrityFailure(ctx, "org-1")

	require.NoError(t, p.Shutdown(ctx))
}

func testProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, reader, rec
}

func sumFor(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestTrackOperation(t *testing.T) {
	p, reader, rec := testProvider(t)

	_, done := p.TrackOperation(context.Background(), "case.close", CaseOperation("org-1", "case-1")...)
	done(nil)
	_, done = p.TrackOperation(context.Background(), "case.close")
	done(fmt.Errorf("case-1: %w", contracts.ErrInvalidTransition))

	require.Equal(t, int64(2), sumFor(t, reader, "discloser.operations.total"))
	require.Equal(t, int64(1), sumFor(t, reader, "discloser.operations.failed"))
	require.Equal(t, int64(0), sumFor(t, reader, "discloser.operations.active"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "case.close", spans[0].Name())
	require.Len(t, spans[1].Events(), 1, "error recorded on span")
}

func TestComplianceCounters(t *testing.T) {
	p, reader, _ := testProvider(t)
	ctx := context.Background()

	p.RecordAuditAppend(ctx, "case", "created")
	p.RecordAuditAppend(ctx, "submission", "validated")
	p.RecordChannelOutcome(ctx, "ENISA", "SUBMITTED")
	p.RecordChannelOutcome(ctx, "CSIRT", "FAILED")
	p.RecordIntegrityFailure(ctx, "org-1")

	require.Equal(t, int64(2), sumFor(t, reader, "discloser.audit.appends"))
	require.Equal(t, int64(2), sumFor(t, reader, "discloser.dispatch.channel_outcomes"))
	require.Equal(t, int64(1), sumFor(t, reader, "discloser.audit.integrity_failures"))
}

func TestOperationAttributes(t *testing.T) {
	attrs := SubmissionOperation("org-1", "sub-1")
	require.Len(t, attrs, 2)
	require.Equal(t, "discloser.submission.id", string(attrs[1].Key))
	require.Equal(t, "sub-1", attrs[1].Value.AsString())
}

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"not_found":          fmt.Errorf("case x: %w", contracts.ErrNotFound),
		"invalid_transition": fmt.Errorf("close: %w: %w", contracts.ErrInvalidTransition, contracts.ErrOpenSubmissions),
		"canceled":           context.Canceled,
		"internal":           errors.New("disk full"),
	}
	for want, err := range cases {
		require.Equal(t, want, ErrorKind(err), "%v", err)
	}
}
