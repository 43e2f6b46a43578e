package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/discloser/pkg/api"
	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/compliance"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/dispatch"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/notifier"
	"github.com/Mindburn-Labs/discloser/pkg/server"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

const earlyWarning = `{
	"summary": "Remote code execution in firmware updater, exploited in the wild",
	"product_name": "Acme Router",
	"suspected_malicious": true,
	"cross_border_impact": true,
	"affected_member_states": ["DE", "FR"],
	"event_started_at": "2026-01-10T12:00:00Z"
}`

type testServer struct {
	ts        *httptest.Server
	validator *auth.JWTValidator
	csirt     *notifier.LoopbackNotifier
}

func newTestServer(t *testing.T, seed []byte) *testServer {
	t.Helper()
	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)

	csirt := notifier.NewLoopbackNotifier("bsi")
	dir := notifier.NewDirectory(notifier.NewLoopbackNotifier("enisa"))
	dir.Register("DE", csirt)

	engine, err := compliance.NewEngine(context.Background(), compliance.Config{
		Directory:      dir,
		Clock:          func() time.Time { return now },
		LegTimeout:     2 * time.Second,
		CheckpointSeed: seed,
	})
	require.NoError(t, err)

	validator := auth.NewJWTValidator([]byte("test-secret-with-enough-entropy!"), "discloser")
	srv := server.New(engine, server.Options{
		Validator:   validator,
		Limiter:     auth.NewMemoryLimiterStore(),
		RateLimit:   auth.LimitPolicy{RatePerSecond: 1000, Burst: 1000},
		Idempotency: api.NewMemoryIdempotencyStore(time.Hour),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, validator: validator, csirt: csirt}
}

func (s *testServer) token(t *testing.T, org string, roles ...string) string {
	t.Helper()
	tok, err := s.validator.Issue("alice", org, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, token, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createCase(t *testing.T, s *testServer, token string) *contracts.Case {
	t.Helper()
	resp := s.do(t, token, http.MethodPost, "/api/cases", server.CreateCaseBody{
		ProductID:  "router-x1",
		EventType:  contracts.EventExploitedVulnerability,
		Title:      "Updater RCE",
		DetectedAt: time.Date(2026, 1, 10, 17, 0, 0, 0, time.UTC),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*contracts.Case](t, resp)
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRequiresBearerToken(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.do(t, "", http.MethodGet, "/api/cases", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, "not-a-jwt", http.MethodGet, "/api/cases", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmissionFlow(t *testing.T) {
	s := newTestServer(t, nil)
	operator := s.token(t, "org-1", auth.RoleOperator)
	reporter := s.token(t, "org-1", auth.RoleReporter)

	c := createCase(t, s, operator)
	assert.Equal(t, "org-1", c.OrganizationID)
	assert.Equal(t, contracts.CaseStatusDraft, c.Status)

	resp := s.do(t, operator, http.MethodPost, "/api/cases/"+c.ID+"/advance", map[string]string{"to": "IN_REVIEW"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, operator, http.MethodPost, "/api/cases/"+c.ID+"/submissions",
		server.CreateSubmissionBody{SubmissionType: contracts.SubmissionEarlyWarning})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sub := decode[*contracts.Submission](t, resp)

	resp = s.do(t, operator, http.MethodPut, "/api/submissions/"+sub.ID+"/content", earlyWarning)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, operator, http.MethodPost, "/api/submissions/"+sub.ID+"/ready", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "ready before validating new content")
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	resp = s.do(t, operator, http.MethodPost, "/api/submissions/"+sub.ID+"/validate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	validated := decode[*contracts.Submission](t, resp)
	require.Empty(t, validated.ValidationErrors)

	resp = s.do(t, operator, http.MethodPost, "/api/submissions/"+sub.ID+"/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, operator, http.MethodGet, "/api/submissions/"+sub.ID+"/export", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "no bundle before export")

	resp = s.do(t, operator, http.MethodPost, "/api/submissions/"+sub.ID+"/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, operator, http.MethodGet, "/api/submissions/"+sub.ID+"/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))

	resp = s.do(t, operator, http.MethodPost, "/api/submissions/"+sub.ID+"/dispatch", server.DispatchBody{CountryCode: "DE"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, reporter, http.MethodPost, "/api/submissions/"+sub.ID+"/dispatch", server.DispatchBody{CountryCode: "DE"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[dispatch.DualResult](t, resp)
	assert.Equal(t, contracts.ChannelSubmitted, res.ENISA.Status)
	assert.Equal(t, contracts.ChannelSubmitted, res.CSIRT.Status)
	assert.Len(t, s.csirt.Received(), 1)

	resp = s.do(t, operator, http.MethodPost, "/api/submissions/"+sub.ID+"/submitted",
		server.MarkSubmittedBody{Reference: res.ENISA.Reference})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, operator, http.MethodGet, "/api/cases/"+c.ID+"/deadlines", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deadlines := decode[[]compliance.DeadlineStatus](t, resp)
	require.Len(t, deadlines, 3)
	assert.True(t, deadlines[0].Satisfied)
}

func TestDomainErrorsAsProblems(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "org-1", auth.RoleOperator)

	resp := s.do(t, tok, http.MethodPost, "/api/cases", map[string]any{
		"product_id":  "p",
		"event_type":  "RANSOMWARE",
		"title":       "x",
		"detected_at": "2026-01-10T17:00:00Z",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decode[api.ProblemDetail](t, resp)
	assert.Equal(t, "urn:discloser:problem:invalid-input", problem.Type)

	resp = s.do(t, tok, http.MethodPost, "/api/cases", `{"title":"x","unexpected":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	c := createCase(t, s, tok)
	resp = s.do(t, tok, http.MethodPatch, "/api/cases/"+c.ID, map[string]string{"detected_at": "2026-01-09T00:00:00Z"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = s.do(t, tok, http.MethodGet, "/api/cases/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOtherOrganizationSeesNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	c := createCase(t, s, s.token(t, "org-1", auth.RoleOperator))

	other := s.token(t, "org-2", auth.RoleOperator)
	resp := s.do(t, other, http.MethodGet, "/api/cases/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, other, http.MethodGet, "/api/cases", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*contracts.Case](t, resp))
}

func TestIdempotentCreate(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "org-1", auth.RoleOperator)
	body := server.CreateCaseBody{
		ProductID:  "router-x1",
		EventType:  contracts.EventSevereIncident,
		Title:      "Outage",
		DetectedAt: time.Date(2026, 1, 10, 17, 0, 0, 0, time.UTC),
	}

	first := s.do(t, tok, http.MethodPost, "/api/cases", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.StatusCode)
	c1 := decode[*contracts.Case](t, first)

	second := s.do(t, tok, http.MethodPost, "/api/cases", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, c1.ID, decode[*contracts.Case](t, second).ID)

	resp := s.do(t, tok, http.MethodGet, "/api/cases", nil)
	assert.Len(t, decode[[]*contracts.Case](t, resp), 1)
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t, []byte("0123456789abcdef0123456789abcdef"))
	operator := s.token(t, "org-1", auth.RoleOperator)
	auditor := s.token(t, "org-1", auth.RoleAuditor)
	createCase(t, s, operator)

	resp := s.do(t, operator, http.MethodGet, "/api/audit/verify", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, auditor, http.MethodGet, "/api/audit/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verify := decode[store.VerifyResult](t, resp)
	assert.True(t, verify.Valid)
	assert.Equal(t, 1, verify.TotalEvents)

	resp = s.do(t, auditor, http.MethodGet, "/api/audit/events?entity_type=case", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]*store.AuditRecord](t, resp), 1)

	resp = s.do(t, auditor, http.MethodGet, "/api/audit/events?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, auditor, http.MethodGet, "/api/audit/checkpoint", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cp := decode[store.Checkpoint](t, resp)
	assert.Equal(t, uint64(1), cp.Sequence)

	resp = s.do(t, auditor, http.MethodPost, "/api/audit/checkpoint/verify", cp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[server.CheckpointCheck](t, resp).Valid)

	cp.Hash = "00"
	resp = s.do(t, auditor, http.MethodPost, "/api/audit/checkpoint/verify", cp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[server.CheckpointCheck](t, resp).Valid)
}

func TestCheckpointDisabled(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.do(t, s.token(t, "org-1", auth.RoleAdmin), http.MethodGet, "/api/audit/checkpoint", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestOverdueReport(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "org-1", auth.RoleOperator)
	createCase(t, s, tok)

	resp := s.do(t, tok, http.MethodGet, "/api/reports/overdue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[compliance.OverdueReport](t, resp)
	assert.Equal(t, 1, rep.OpenCases)
	assert.NotEmpty(t, rep.ContentHash)
	// Detected 19h before now: the 24h early warning is not yet due.
	assert.Empty(t, rep.Items)
}
