package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/discloser/pkg/artifacts"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

func TestBuild_Deterministic(t *testing.T) {
	files := map[string][]byte{
		"b.json": []byte(`{"b":1}`),
		"a.json": []byte(`{"a":1}`),
	}
	m := Manifest{Format: FormatV1, SubmissionID: "s1"}

	first, err := Build(m, files)
	require.NoError(t, err)
	second, err := Build(m, files)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, unpacked, err := Read(first)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SubmissionID)
	assert.Len(t, got.FileHashes, 2)
	assert.Equal(t, files["a.json"], unpacked["a.json"])
}

func TestBuild_ReservedName(t *testing.T) {
	_, err := Build(Manifest{}, map[string][]byte{ManifestName: nil})
	assert.Error(t, err)
}

func TestRead_DetectsTamperedFile(t *testing.T) {
	manifest, err := json.Marshal(Manifest{
		Format:     FormatV1,
		FileHashes: map[string]string{"content.json": sha256hex([]byte(`{"x":1}`))},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	require.NoError(t, writeEntry(tw, ManifestName, manifest))
	require.NoError(t, writeEntry(tw, "content.json", []byte(`{"x":2}`)))
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	_, _, err = Read(buf.Bytes())
	assert.ErrorIs(t, err, ErrCorruptBundle)
}

func TestRead_NotGzip(t *testing.T) {
	_, _, err := Read([]byte("plain"))
	assert.ErrorIs(t, err, ErrCorruptBundle)
}

func TestRenderer_Export(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 11, 9, 0, 0, 0, time.UTC)
	ledger := store.NewAuditLedger(store.NewMemoryAuditBackend(), store.WithClock(func() time.Time { return now }))

	c := &contracts.Case{
		ID:             "case-1",
		OrganizationID: "org-1",
		Title:          "RCE in updater",
		EventType:      contracts.EventExploitedVulnerability,
		Status:         contracts.CaseStatusInReview,
		DetectedAt:     now.Add(-time.Hour),
	}
	sub := &contracts.Submission{
		ID:             "sub-1",
		CaseID:         c.ID,
		OrganizationID: "org-1",
		SubmissionType: contracts.SubmissionEarlyWarning,
		Status:         contracts.SubmissionStatusReady,
		SchemaVersion:  "1.0.0",
		ContentJSON:    json.RawMessage(`{ "summary": "x", "affected_member_states": ["DE"] }`),
	}

	for _, req := range []store.AppendRequest{
		{OrganizationID: "org-1", EntityType: "case", EntityID: c.ID, Action: "created", Payload: map[string]string{"title": c.Title}},
		{OrganizationID: "org-1", EntityType: "submission", EntityID: sub.ID, Action: "created", Payload: map[string]string{}},
		{OrganizationID: "org-1", EntityType: "submission", EntityID: "other", Action: "created", Payload: map[string]string{}},
	} {
		_, err := ledger.Append(ctx, req)
		require.NoError(t, err)
	}

	blobs := artifacts.NewMemoryStore()
	r := NewRenderer(blobs, ledger)

	hash, err := r.Export(ctx, sub, c)
	require.NoError(t, err)
	again, err := r.Export(ctx, sub, c)
	require.NoError(t, err)
	assert.Equal(t, hash, again, "same state renders the same bundle")

	m, files, err := r.Open(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", m.SubmissionID)
	require.NotNil(t, m.AuditHead)
	assert.Equal(t, uint64(2), m.AuditHead.Sequence)

	assert.Equal(t, `{"affected_member_states":["DE"],"summary":"x"}`, string(files["content.json"]))

	var audit []auditEntry
	require.NoError(t, json.Unmarshal(files["audit.json"], &audit))
	require.Len(t, audit, 2)
	assert.Equal(t, "case", audit[0].EntityType)
	assert.Equal(t, "sub-1", audit[1].EntityID)

	var gotCase contracts.Case
	require.NoError(t, json.Unmarshal(files["case.json"], &gotCase))
	assert.Equal(t, c.Title, gotCase.Title)
}
