package compliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/discloser/pkg/compliance/lifecycle"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

func TestOverdueReport(t *testing.T) {
	h := newHarness(t)
	ctx := orgCtx("org-1")

	late := h.openCase(t, ctx)
	onTime := h.openCase(t, ctx)
	_, err := h.engine.AdvanceCase(ctx, onTime.ID, contracts.CaseStatusInReview)
	require.NoError(t, err)
	sub := h.readyEarlyWarning(t, ctx, onTime.ID)
	_, err = h.engine.MarkSubmitted(ctx, sub.ID, "ENISA-1", "")
	require.NoError(t, err)

	// 30h after detection: early warnings are overdue, notifications are not.
	h.now = detectedAt.Add(30 * time.Hour)

	report, err := h.engine.OverdueReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.OpenCases)
	require.Len(t, report.Items, 1)
	assert.Equal(t, late.ID, report.Items[0].CaseID)
	assert.Equal(t, contracts.SubmissionEarlyWarning, report.Items[0].SubmissionType)
	assert.Equal(t, int64(6*3600), report.Items[0].OverdueSeconds)
	require.NotEmpty(t, report.ContentHash)

	h.now = h.now.Add(time.Hour)
	again, err := h.engine.OverdueReport(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, report.ReportID, again.ReportID)
	assert.Equal(t, report.ContentHash, again.ContentHash, "hash ignores elapsed time")

	h.now = detectedAt.Add(80 * time.Hour)
	later, err := h.engine.OverdueReport(ctx)
	require.NoError(t, err)
	assert.Len(t, later.Items, 3, "late case misses both reports, the other misses its notification")
	assert.NotEqual(t, report.ContentHash, later.ContentHash)
}

func TestOverdueReport_SkipsClosedCases(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ClosePolicy = lifecycle.ClosePolicyWarn })
	ctx := orgCtx("org-1")
	c := h.openCase(t, ctx)
	for _, to := range []contracts.CaseStatus{contracts.CaseStatusInReview, contracts.CaseStatusSubmitted} {
		_, err := h.engine.AdvanceCase(ctx, c.ID, to)
		require.NoError(t, err)
	}
	_, err := h.engine.CloseCase(ctx, c.ID)
	require.NoError(t, err)

	h.now = detectedAt.Add(40 * 24 * time.Hour)
	report, err := h.engine.OverdueReport(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.OpenCases)
	assert.Empty(t, report.Items)
}

func TestDeadlines_SupersededSubmissionDoesNotSatisfy(t *testing.T) {
	h := newHarness(t)
	ctx := orgCtx("org-1")
	c := h.openCase(t, ctx)

	first, err := h.engine.CreateSubmission(ctx, c.ID, contracts.SubmissionNotification, workflowOpts(false))
	require.NoError(t, err)
	second, err := h.engine.CreateSubmission(ctx, c.ID, contracts.SubmissionNotification, workflowOpts(true))
	require.NoError(t, err)

	deadlines, err := h.engine.Deadlines(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, deadlines[1].SubmissionID)
	assert.NotEqual(t, first.ID, deadlines[1].SubmissionID)
	assert.Equal(t, contracts.SubmissionStatusDraft, deadlines[1].SubmissionStatus)
	assert.False(t, deadlines[1].Satisfied)
}
