package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

type caseBackends struct {
	cases CaseStore
	subs  SubmissionStore
}

func storeImplementations(t *testing.T) map[string]caseBackends {
	t.Helper()
	sqlStore := NewSQLCaseStore(openSQLite(t), DialectSQLite)
	require.NoError(t, sqlStore.Init(context.Background()))
	return map[string]caseBackends{
		"memory": {cases: NewMemoryCaseStore(), subs: NewMemorySubmissionStore()},
		"sqlite": {cases: sqlStore, subs: sqlStore},
	}
}

func sampleCase(now time.Time) *contracts.Case {
	started := now.Add(-2 * time.Hour)
	return &contracts.Case{
		ID:             "case-1",
		OrganizationID: "org-1",
		ProductID:      "prod-1",
		Title:          "RCE in updater",
		EventType:      contracts.EventExploitedVulnerability,
		Status:         contracts.CaseStatusDraft,
		DetectedAt:     now.Add(-time.Hour),
		StartedAt:      &started,
		Participants:   []contracts.Participant{{UserID: "u1", Role: contracts.RoleOwner}},
		Links:          []contracts.Link{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCaseStores(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for name, impl := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := sampleCase(now)
			require.NoError(t, impl.cases.CreateCase(ctx, c))
			require.ErrorIs(t, impl.cases.CreateCase(ctx, c), contracts.ErrInvalidInput)

			got, err := impl.cases.GetCase(ctx, "case-1")
			require.NoError(t, err)
			assert.True(t, got.DetectedAt.Equal(c.DetectedAt))
			require.NotNil(t, got.StartedAt)
			assert.True(t, got.StartedAt.Equal(*c.StartedAt))
			assert.Nil(t, got.ResolvedAt)
			assert.Equal(t, c.Participants, got.Participants)

			got.Status = contracts.CaseStatusInReview
			got.Links = append(got.Links, contracts.Link{Type: contracts.LinkFinding, TargetID: "f-1"})
			require.NoError(t, impl.cases.UpdateCase(ctx, got, contracts.CaseStatusDraft))

			// Second writer still holding DRAFT loses.
			stale := c.Clone()
			stale.Title = "lost update"
			require.ErrorIs(t, impl.cases.UpdateCase(ctx, stale, contracts.CaseStatusDraft), ErrConcurrentUpdate)

			reloaded, err := impl.cases.GetCase(ctx, "case-1")
			require.NoError(t, err)
			assert.Equal(t, contracts.CaseStatusInReview, reloaded.Status)
			assert.Len(t, reloaded.Links, 1)
			assert.Equal(t, "RCE in updater", reloaded.Title)

			_, err = impl.cases.GetCase(ctx, "missing")
			require.ErrorIs(t, err, contracts.ErrNotFound)
			require.ErrorIs(t, impl.cases.UpdateCase(ctx, &contracts.Case{ID: "missing"}, contracts.CaseStatusDraft), contracts.ErrNotFound)

			list, err := impl.cases.ListCases(ctx, "org-1")
			require.NoError(t, err)
			assert.Len(t, list, 1)
			list, err = impl.cases.ListCases(ctx, "org-2")
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, impl.cases.DeleteCase(ctx, "case-1"))
			_, err = impl.cases.GetCase(ctx, "case-1")
			require.ErrorIs(t, err, contracts.ErrNotFound)
			require.ErrorIs(t, impl.cases.DeleteCase(ctx, "case-1"), contracts.ErrNotFound)
		})
	}
}

func sampleSubmission(now time.Time) *contracts.Submission {
	return &contracts.Submission{
		ID:             "sub-1",
		CaseID:         "case-1",
		OrganizationID: "org-1",
		SubmissionType: contracts.SubmissionEarlyWarning,
		Status:         contracts.SubmissionStatusDraft,
		SchemaVersion:  "1.0.0",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSubmissionStores(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for name, impl := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, impl.subs.CreateSubmission(ctx, sampleSubmission(now)))

			got, err := impl.subs.GetSubmission(ctx, "sub-1")
			require.NoError(t, err)
			assert.Nil(t, got.ValidationErrors, "never validated")
			assert.Empty(t, got.ContentJSON)

			got.ContentJSON = json.RawMessage(`{"summary":"x"}`)
			got.ValidationErrors = []string{}
			got.Status = contracts.SubmissionStatusReady
			require.NoError(t, impl.subs.UpdateSubmission(ctx, got, contracts.SubmissionStatusDraft))
			require.ErrorIs(t, impl.subs.UpdateSubmission(ctx, got, contracts.SubmissionStatusDraft), ErrConcurrentUpdate)

			got, err = impl.subs.GetSubmission(ctx, "sub-1")
			require.NoError(t, err)
			assert.Equal(t, contracts.SubmissionStatusReady, got.Status)
			assert.NotNil(t, got.ValidationErrors)
			assert.Empty(t, got.ValidationErrors)
			assert.JSONEq(t, `{"summary":"x"}`, string(got.ContentJSON))

			list, err := impl.subs.ListSubmissions(ctx, "case-1")
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, impl.subs.DeleteSubmission(ctx, "sub-1"))
			list, err = impl.subs.ListSubmissions(ctx, "case-1")
			require.NoError(t, err)
			assert.Empty(t, list)
			require.ErrorIs(t, impl.subs.DeleteSubmission(ctx, "sub-1"), contracts.ErrNotFound)
		})
	}
}

func TestSubmissionStores_ChannelClaims(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for name, impl := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, impl.subs.CreateSubmission(ctx, sampleSubmission(now)))

			ok, err := impl.subs.MarkChannelPending(ctx, "sub-1", contracts.ChannelENISA, "att-1", now, now.Add(-time.Minute))
			require.NoError(t, err)
			require.True(t, ok)

			// Fresh PENDING is in flight.
			ok, err = impl.subs.MarkChannelPending(ctx, "sub-1", contracts.ChannelENISA, "att-2", now, now.Add(-time.Minute))
			require.NoError(t, err)
			assert.False(t, ok)

			// Workflow updates never clobber channel state.
			sub, err := impl.subs.GetSubmission(ctx, "sub-1")
			require.NoError(t, err)
			sub.ENISA = contracts.ChannelState{}
			sub.Status = contracts.SubmissionStatusReady
			require.NoError(t, impl.subs.UpdateSubmission(ctx, sub, contracts.SubmissionStatusDraft))

			// Wrong attempt cannot write the outcome.
			ok, err = impl.subs.SetChannelOutcome(ctx, "sub-1", contracts.ChannelENISA, "att-2",
				contracts.ChannelState{Status: contracts.ChannelSubmitted, Reference: "nope"})
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = impl.subs.SetChannelOutcome(ctx, "sub-1", contracts.ChannelENISA, "att-1",
				contracts.ChannelState{Status: contracts.ChannelSubmitted, Reference: "ENISA-42"})
			require.NoError(t, err)
			assert.True(t, ok)

			// Terminal state is written once.
			ok, err = impl.subs.SetChannelOutcome(ctx, "sub-1", contracts.ChannelENISA, "att-1",
				contracts.ChannelState{Status: contracts.ChannelFailed, Error: "late"})
			require.NoError(t, err)
			assert.False(t, ok)

			// SUBMITTED channels are never re-claimed.
			ok, err = impl.subs.MarkChannelPending(ctx, "sub-1", contracts.ChannelENISA, "att-3", now.Add(time.Hour), now.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, ok)

			// A stale PENDING can be taken over.
			ok, err = impl.subs.MarkChannelPending(ctx, "sub-1", contracts.ChannelCSIRT, "c-1", now, now.Add(-time.Minute))
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = impl.subs.MarkChannelPending(ctx, "sub-1", contracts.ChannelCSIRT, "c-2", now.Add(time.Hour), now.Add(time.Minute))
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, impl.subs.SetCSIRTCountry(ctx, "sub-1", "DE"))

			sub, err = impl.subs.GetSubmission(ctx, "sub-1")
			require.NoError(t, err)
			assert.Equal(t, contracts.SubmissionStatusReady, sub.Status)
			assert.Equal(t, contracts.ChannelSubmitted, sub.ENISA.Status)
			assert.Equal(t, "ENISA-42", sub.ENISA.Reference)
			assert.Equal(t, "att-1", sub.ENISA.AttemptID)
			assert.Equal(t, contracts.ChannelPending, sub.CSIRT.Status)
			assert.Equal(t, "c-2", sub.CSIRT.AttemptID)
			assert.Equal(t, "DE", sub.CSIRTCountryCode)

			_, err = impl.subs.MarkChannelPending(ctx, "missing", contracts.ChannelENISA, "a", now, now)
			require.ErrorIs(t, err, contracts.ErrNotFound)
		})
	}
}

func TestSQLCaseStore_PostgresUpdateIsConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLCaseStore(db, DialectPostgres)
	c := sampleCase(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))

	mock.ExpectExec(`(?s)UPDATE cases SET .* WHERE id = \$10 AND status = \$11`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateCase(context.Background(), c, contracts.CaseStatusDraft))
	require.NoError(t, mock.ExpectationsWereMet())
}
