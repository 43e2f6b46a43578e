// Package store implements the persistence layer of the compliance engine:
// the per-organization, append-only, hash-chained audit ledger, and the
// case and submission stores it records actions for.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/discloser/pkg/canonicalize"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// GenesisHash seeds the chain of every organization. It is hashed into the
// first record but never stored as that record's prev_hash.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const defaultAppendRetries = 5

var (
	ErrEntryNotFound = errors.New("entry not found")
	// ErrStaleTail is returned by a backend when a record does not extend the
	// organization's current chain tail.
	ErrStaleTail = errors.New("stale chain tail")
	// ErrConcurrentUpdate is returned when a compare-and-set write lost a race.
	ErrConcurrentUpdate = errors.New("concurrent update")
)

// AuditRecord is a single immutable entry in an organization's chain.
type AuditRecord struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Sequence       uint64          `json:"sequence"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Action         string          `json:"action"`
	Actor          string          `json:"actor"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	PrevHash       string          `json:"prev_hash,omitempty"`
	Hash           string          `json:"hash"`
}

func (r *AuditRecord) clone() *AuditRecord {
	out := *r
	out.Payload = append(json.RawMessage(nil), r.Payload...)
	return &out
}

// AppendRequest describes one compliance-relevant action.
type AppendRequest struct {
	OrganizationID string
	EntityType     string
	EntityID       string
	Action         string
	Actor          string
	Payload        interface{}
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	EntityType string
	EntityID   string
	Limit      int
}

func (f EventFilter) matches(r *AuditRecord) bool {
	if f.EntityType != "" && r.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	return true
}

// ChainTail is the last link of an organization's chain.
type ChainTail struct {
	Sequence uint64
	Hash     string
}

// VerifyResult reports the outcome of walking one organization's chain.
type VerifyResult struct {
	OrganizationID string `json:"organization_id"`
	Valid          bool   `json:"valid"`
	TotalEvents    int    `json:"total_events"`
	VerifiedEvents int    `json:"verified_events"`
	Message        string `json:"message"`
	BrokenSequence uint64 `json:"broken_sequence,omitempty"`
}

// EntryHandler is called after a record has been durably appended. Handlers
// run outside the chain lock, so records of one organization may arrive out
// of sequence order.
type EntryHandler func(record *AuditRecord)

// AuditLedger is an append-only audit log with one hash chain per organization.
//
// Appends for one organization are linearized through that organization's
// tail; appends for different organizations never contend.
type AuditLedger struct {
	backend AuditBackend
	locker  TailLocker
	clock   func() time.Time
	logger  *slog.Logger
	retries int

	mu    sync.Mutex
	tails map[string]*chainTail

	handlersMu sync.RWMutex
	handlers   []EntryHandler
}

type chainTail struct {
	mu     sync.Mutex
	loaded bool
	ChainTail
}

// LedgerOption configures an AuditLedger.
type LedgerOption func(*AuditLedger)

// WithClock injects the authority clock.
func WithClock(clock func() time.Time) LedgerOption {
	return func(l *AuditLedger) { l.clock = clock }
}

// WithTailLocker serializes appends across processes sharing one backend.
func WithTailLocker(locker TailLocker) LedgerOption {
	return func(l *AuditLedger) { l.locker = locker }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *AuditLedger) { l.logger = logger }
}

// NewAuditLedger creates a ledger over the given backend.
func NewAuditLedger(backend AuditBackend, opts ...LedgerOption) *AuditLedger {
	l := &AuditLedger{
		backend: backend,
		clock:   time.Now,
		logger:  slog.Default().With("component", "audit_ledger"),
		retries: defaultAppendRetries,
		tails:   make(map[string]*chainTail),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *AuditLedger) tailFor(orgID string) *chainTail {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tails[orgID]
	if !ok {
		t = &chainTail{}
		l.tails[orgID] = t
	}
	return t
}

// Append adds a record to the organization's chain. Either the full record,
// with its hash, is durably written and returned, or nothing is written.
func (l *AuditLedger) Append(ctx context.Context, req AppendRequest) (*AuditRecord, error) {
	if req.OrganizationID == "" || req.EntityType == "" || req.EntityID == "" || req.Action == "" {
		return nil, fmt.Errorf("audit append: organization, entity and action are required: %w", contracts.ErrInvalidInput)
	}
	if req.Actor == "" {
		req.Actor = "system"
	}

	payload, err := canonicalize.JCS(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("audit append: canonicalize payload: %w", err)
	}

	rec, err := l.appendLocked(ctx, req, payload)
	if err != nil {
		return nil, err
	}
	l.notify(rec)
	return rec.clone(), nil
}

// appendLocked links and inserts one record while holding the chain tail.
func (l *AuditLedger) appendLocked(ctx context.Context, req AppendRequest, payload []byte) (*AuditRecord, error) {
	tail := l.tailFor(req.OrganizationID)
	tail.mu.Lock()
	defer tail.mu.Unlock()

	if l.locker != nil {
		unlock, err := l.locker.Lock(ctx, req.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("audit append: acquire tail lock: %w", err)
		}
		defer unlock()
		// Another replica may have extended the chain since we last looked.
		tail.loaded = false
	}

	for attempt := 0; ; attempt++ {
		if !tail.loaded {
			current, err := l.backend.Tail(ctx, req.OrganizationID)
			if err != nil {
				return nil, fmt.Errorf("audit append: load tail: %w", err)
			}
			tail.ChainTail = current
			tail.loaded = true
		}

		rec := &AuditRecord{
			ID:             uuid.New().String(),
			OrganizationID: req.OrganizationID,
			Sequence:       tail.Sequence + 1,
			EntityType:     req.EntityType,
			EntityID:       req.EntityID,
			Action:         req.Action,
			Actor:          req.Actor,
			Payload:        payload,
			CreatedAt:      l.clock().UTC().Truncate(time.Microsecond),
			PrevHash:       tail.Hash,
		}
		var err error
		rec.Hash, err = ComputeRecordHash(rec)
		if err != nil {
			return nil, fmt.Errorf("audit append: %w", err)
		}

		err = l.backend.Insert(ctx, rec)
		if err == nil {
			tail.ChainTail = ChainTail{Sequence: rec.Sequence, Hash: rec.Hash}
			return rec, nil
		}

		tail.loaded = false
		if errors.Is(err, ErrStaleTail) && attempt < l.retries {
			l.logger.DebugContext(ctx, "chain tail moved, retrying append",
				"organization_id", req.OrganizationID, "attempt", attempt+1)
			continue
		}
		return nil, fmt.Errorf("audit append: %w", err)
	}
}

func (l *AuditLedger) notify(rec *AuditRecord) {
	l.handlersMu.RLock()
	handlers := l.handlers
	l.handlersMu.RUnlock()
	for _, h := range handlers {
		h(rec.clone())
	}
}

// AddHandler registers a handler for new records.
func (l *AuditLedger) AddHandler(h EntryHandler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Verify walks the organization's chain in creation order, recomputing every
// hash. The walk stops at the first broken record. When the chain is broken
// the returned error wraps contracts.ErrIntegrityViolation and the result
// still describes how far verification got.
func (l *AuditLedger) Verify(ctx context.Context, orgID string) (*VerifyResult, error) {
	records, err := l.backend.List(ctx, orgID, EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("audit verify: %w", err)
	}

	res := VerifyChain(records)
	res.OrganizationID = orgID
	if !res.Valid {
		return res, fmt.Errorf("organization %s: %s: %w", orgID, res.Message, contracts.ErrIntegrityViolation)
	}
	return res, nil
}

// VerifyChain checks a single organization's records, given in creation order.
func VerifyChain(records []*AuditRecord) *VerifyResult {
	res := &VerifyResult{TotalEvents: len(records)}

	expectedPrev := ""
	for i, rec := range records {
		fail := func(msg string) *VerifyResult {
			res.Message = fmt.Sprintf("record %d (sequence %d): %s", i+1, rec.Sequence, msg)
			res.BrokenSequence = rec.Sequence
			return res
		}

		if rec.Sequence != uint64(i+1) {
			return fail(fmt.Sprintf("sequence gap, expected %d", i+1))
		}
		if rec.PrevHash != expectedPrev {
			return fail("prev_hash does not match preceding record")
		}
		computed, err := ComputeRecordHash(rec)
		if err != nil {
			return fail(fmt.Sprintf("payload cannot be canonicalized: %v", err))
		}
		if computed != rec.Hash {
			return fail("hash mismatch")
		}

		res.VerifiedEvents++
		expectedPrev = rec.Hash
	}

	res.Valid = true
	res.Message = fmt.Sprintf("chain intact: %d records verified", res.VerifiedEvents)
	return res
}

// ListEvents returns the organization's records in creation order.
func (l *AuditLedger) ListEvents(ctx context.Context, orgID string, filter EventFilter) ([]*AuditRecord, error) {
	records, err := l.backend.List(ctx, orgID, filter)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	return records, nil
}

// Tail returns the current end of the organization's chain.
func (l *AuditLedger) Tail(ctx context.Context, orgID string) (ChainTail, error) {
	return l.backend.Tail(ctx, orgID)
}

type hashable struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  string          `json:"created_at"`
}

// ComputeRecordHash returns sha256(prev ∥ JCS(record content)), where prev is
// the record's PrevHash or GenesisHash for the first record of a chain.
func ComputeRecordHash(rec *AuditRecord) (string, error) {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	canonical, err := canonicalize.JCS(hashable{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Action:     rec.Action,
		Actor:      rec.Actor,
		Payload:    payload,
		CreatedAt:  FormatTime(rec.CreatedAt),
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize record: %w", err)
	}

	prev := rec.PrevHash
	if prev == "" {
		prev = GenesisHash
	}
	return canonicalize.HashBytes(append([]byte(prev), canonical...)), nil
}

// timeLayout is RFC 3339 with a fixed-width fraction, so stored timestamps
// compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders timestamps the way they are hashed and persisted.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
