package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/cra"
	"github.com/Mindburn-Labs/discloser/pkg/config"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/export"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"discloser"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_DefaultsToServer(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(io.Writer) int { called++; return 0 }
	defer func() { startServer = orig }()

	if code, _, _ := run(); code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	if code, _, _ := run("--port=9000"); code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	if called != 2 {
		t.Errorf("server started %d times, want 2", called)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := run("frobnicate")
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := run("help")
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	for _, want := range []string{"serve", "verify", "deadlines", "bundle"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func TestDeadlinesCmd_JSON(t *testing.T) {
	code, stdout, stderr := run("deadlines",
		"--event-type", "EXPLOITED_VULNERABILITY",
		"--detected-at", "2026-01-10T17:00:00Z",
		"--now", "2026-01-11T18:00:00Z",
		"--json")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}

	var got []cra.Deadline
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("deadlines = %d, want 3", len(got))
	}
	if got[0].SubmissionType != contracts.SubmissionEarlyWarning || !got[0].Overdue {
		t.Errorf("early warning = %+v, want overdue", got[0])
	}
	if got[0].RemainingSeconds != -3600 {
		t.Errorf("remaining = %d, want -3600", got[0].RemainingSeconds)
	}
	if got[1].Overdue {
		t.Errorf("notification should not be overdue: %+v", got[1])
	}
}

func TestDeadlinesCmd_UsesClock(t *testing.T) {
	orig := nowFunc
	nowFunc = func() time.Time { return time.Date(2026, 1, 10, 18, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = orig }()

	code, stdout, _ := run("deadlines", "--event-type", "SEVERE_INCIDENT", "--detected-at", "2026-01-10T17:00:00Z")
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(stdout, "EARLY_WARNING") || !strings.Contains(stdout, "23h0m0s") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestDeadlinesCmd_RejectsBadInput(t *testing.T) {
	if code, _, _ := run("deadlines", "--event-type", "OUTAGE", "--detected-at", "2026-01-10T17:00:00Z"); code != 2 {
		t.Errorf("unknown event type: exit = %d, want 2", code)
	}
	if code, _, _ := run("deadlines", "--event-type", "SEVERE_INCIDENT", "--detected-at", "yesterday"); code != 2 {
		t.Errorf("bad time: exit = %d, want 2", code)
	}
}

type fakeVerifier struct {
	res *store.VerifyResult
	err error
	org string
}

func (f *fakeVerifier) VerifyOrganization(_ context.Context, orgID string) (*store.VerifyResult, error) {
	f.org = orgID
	return f.res, f.err
}

func withVerifier(t *testing.T, v verifier) {
	t.Helper()
	orig := openVerifier
	openVerifier = func(context.Context) (verifier, func(), error) { return v, func() {}, nil }
	t.Cleanup(func() { openVerifier = orig })
}

func TestVerifyCmd_Intact(t *testing.T) {
	fake := &fakeVerifier{res: &store.VerifyResult{OrganizationID: "org-1", Valid: true, TotalEvents: 4, VerifiedEvents: 4}}
	withVerifier(t, fake)

	code, stdout, _ := run("verify", "--org", "org-1")
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if fake.org != "org-1" {
		t.Errorf("verified %q", fake.org)
	}
	if !strings.Contains(stdout, "Chain intact") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestVerifyCmd_IntegrityViolationExitsOne(t *testing.T) {
	withVerifier(t, &fakeVerifier{
		res: &store.VerifyResult{OrganizationID: "org-1", TotalEvents: 4, VerifiedEvents: 1, BrokenSequence: 2, Message: "hash mismatch"},
		err: fmt.Errorf("org-1: %w", contracts.ErrIntegrityViolation),
	})

	code, stdout, _ := run("verify", "--org", "org-1", "--json")
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	var res store.VerifyResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Valid || res.BrokenSequence != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestVerifyCmd_RuntimeError(t *testing.T) {
	withVerifier(t, &fakeVerifier{err: fmt.Errorf("database is locked")})
	if code, _, _ := run("verify", "--org", "org-1"); code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if code, _, _ := run("verify"); code != 2 {
		t.Errorf("missing --org: exit = %d, want 2", code)
	}
}

func writeBundle(t *testing.T) string {
	t.Helper()
	raw, err := export.Build(export.Manifest{
		Format:         "discloser-bundle/1",
		SubmissionID:   "sub-1",
		CaseID:         "case-1",
		OrganizationID: "org-1",
		SubmissionType: string(contracts.SubmissionEarlyWarning),
		SchemaVersion:  "1.0.0",
	}, map[string][]byte{
		"content.json": []byte(`{"summary":"x"}`),
		"audit.json":   []byte(`[]`),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bundle.tar.gz")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBundleCmd_Verifies(t *testing.T) {
	path := writeBundle(t)
	code, stdout, stderr := run("bundle", "--file", path)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, "sub-1") || !strings.Contains(stdout, "content.json") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestBundleCmd_DetectsCorruption(t *testing.T) {
	path := writeBundle(t)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw[:len(raw)/2], 0600); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := run("bundle", "--file", path, "--json")
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stdout, `"valid": false`) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-test-secret")
	t.Setenv("JWT_ISSUER", "discloser")

	code, stdout, stderr := run("token", "--sub", "alice", "--org", "org-1", "--roles", "operator, reporter")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	claims, err := auth.NewJWTValidator([]byte("cli-test-secret"), "discloser").Validate(strings.TrimSpace(stdout))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.OrganizationID != "org-1" || len(claims.Roles) != 2 {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenCmd_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if code, _, _ := run("token", "--sub", "alice", "--org", "org-1"); code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
}

func TestProfileCmd(t *testing.T) {
	code, stdout, stderr := run("profile", "--dir", filepath.Join("..", "..", "pkg", "config", "profiles"))
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, "dev") || !strings.Contains(stdout, "eu") {
		t.Errorf("stdout = %q", stdout)
	}

	bad := filepath.Join(t.TempDir(), "profile_xx.yaml")
	if err := os.WriteFile(bad, []byte("enisa:\n  url: ftp://nowhere\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := run("profile", "--file", bad); code != 1 {
		t.Errorf("invalid profile: exit = %d, want 1", code)
	}
}

func TestLoadOrGenerateSeed_Persists(t *testing.T) {
	dir := t.TempDir()
	first, err := loadOrGenerateSeed(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 32 {
		t.Fatalf("seed length = %d", len(first))
	}
	second, err := loadOrGenerateSeed(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("seed changed between loads")
	}
}

func TestBuildDirectory(t *testing.T) {
	dir, err := buildDirectory(profileWithCSIRT())
	if err != nil {
		t.Fatal(err)
	}
	if got := dir.Countries(); len(got) != 1 || got[0] != "DE" {
		t.Errorf("countries = %v", got)
	}
	if _, err := dir.CSIRT("fr"); err != nil {
		t.Errorf("fallback not used: %v", err)
	}
}

func profileWithCSIRT() *config.RegulatorProfile {
	return &config.RegulatorProfile{
		Code:     "test",
		ENISA:    config.Endpoint{URL: "https://enisa.example/api/reports"},
		CSIRTs:   map[string]config.Endpoint{"DE": {URL: "https://bsi.example/api"}},
		Fallback: &config.Endpoint{Loopback: true},
	}
}
