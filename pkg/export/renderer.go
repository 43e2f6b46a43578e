package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/discloser/pkg/artifacts"
	"github.com/Mindburn-Labs/discloser/pkg/canonicalize"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/lifecycle"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/workflow"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

var _ workflow.Exporter = (*Renderer)(nil)

// EventLister is the read side of the audit ledger.
type EventLister interface {
	ListEvents(ctx context.Context, orgID string, filter store.EventFilter) ([]*store.AuditRecord, error)
}

// Renderer builds a bundle with the case, the submission content and the
// audit trail of both, and stores it. It returns the artifact hash.
type Renderer struct {
	store  artifacts.Store
	events EventLister
	logger *slog.Logger
}

func NewRenderer(s artifacts.Store, events EventLister) *Renderer {
	return &Renderer{
		store:  s,
		events: events,
		logger: slog.Default().With("component", "export"),
	}
}

type auditEntry struct {
	Sequence   uint64          `json:"sequence"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  string          `json:"created_at"`
	PrevHash   string          `json:"prev_hash,omitempty"`
	Hash       string          `json:"hash"`
}

func (r *Renderer) Export(ctx context.Context, sub *contracts.Submission, c *contracts.Case) (string, error) {
	files, head, err := r.files(ctx, sub, c)
	if err != nil {
		return "", err
	}

	bundle, err := Build(Manifest{
		Format:         FormatV1,
		SubmissionID:   sub.ID,
		CaseID:         c.ID,
		OrganizationID: sub.OrganizationID,
		SubmissionType: string(sub.SubmissionType),
		SchemaVersion:  sub.SchemaVersion,
		DetectedAt:     store.FormatTime(c.DetectedAt),
		AuditHead:      head,
	}, files)
	if err != nil {
		return "", fmt.Errorf("build bundle: %w", err)
	}

	hash, err := r.store.Store(ctx, bundle)
	if err != nil {
		return "", fmt.Errorf("store bundle: %w", err)
	}
	r.logger.InfoContext(ctx, "export stored", "submission_id", sub.ID, "artifact", hash, "bytes", len(bundle))
	return hash, nil
}

// Open fetches and verifies a stored bundle.
func (r *Renderer) Open(ctx context.Context, hash string) (*Manifest, map[string][]byte, error) {
	data, err := r.store.Get(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	return Read(data)
}

// Raw returns the stored bundle bytes.
func (r *Renderer) Raw(ctx context.Context, hash string) ([]byte, error) {
	return r.store.Get(ctx, hash)
}

func (r *Renderer) files(ctx context.Context, sub *contracts.Submission, c *contracts.Case) (map[string][]byte, *AuditHead, error) {
	files := make(map[string][]byte, 3)

	content := []byte("null")
	if len(sub.ContentJSON) > 0 {
		canon, err := canonicalize.Bytes(sub.ContentJSON)
		if err != nil {
			return nil, nil, fmt.Errorf("canonicalize content: %w", err)
		}
		content = canon
	}
	files["content.json"] = content

	caseDoc, err := canonicalize.JCS(c)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize case: %w", err)
	}
	files["case.json"] = caseDoc

	var records []*store.AuditRecord
	for _, f := range []store.EventFilter{
		{EntityType: lifecycle.EntityType, EntityID: c.ID},
		{EntityType: workflow.EntityType, EntityID: sub.ID},
	} {
		recs, err := r.events.ListEvents(ctx, sub.OrganizationID, f)
		if err != nil {
			return nil, nil, fmt.Errorf("list audit events: %w", err)
		}
		records = append(records, recs...)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })

	entries := make([]auditEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, auditEntry{
			Sequence:   rec.Sequence,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Action:     rec.Action,
			Actor:      rec.Actor,
			Payload:    rec.Payload,
			CreatedAt:  store.FormatTime(rec.CreatedAt),
			PrevHash:   rec.PrevHash,
			Hash:       rec.Hash,
		})
	}
	audit, err := canonicalize.JCS(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize audit: %w", err)
	}
	files["audit.json"] = audit

	var head *AuditHead
	if n := len(records); n > 0 {
		head = &AuditHead{Sequence: records[n-1].Sequence, Hash: records[n-1].Hash}
	}
	return files, head, nil
}
