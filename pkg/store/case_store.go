package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// CaseStore persists cases.
type CaseStore interface {
	CreateCase(ctx context.Context, c *contracts.Case) error
	GetCase(ctx context.Context, id string) (*contracts.Case, error)
	// UpdateCase replaces the stored case when its status still equals expected.
	// Otherwise it returns ErrConcurrentUpdate.
	UpdateCase(ctx context.Context, c *contracts.Case, expected contracts.CaseStatus) error
	// DeleteCase removes a case whose creation could not be recorded in the ledger.
	DeleteCase(ctx context.Context, id string) error
	ListCases(ctx context.Context, orgID string) ([]*contracts.Case, error)
}

// SubmissionStore persists submissions. Workflow writes and per-channel
// delivery writes touch disjoint fields, so a dispatch in flight never loses
// a concurrent workflow update or vice versa.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, s *contracts.Submission) error
	GetSubmission(ctx context.Context, id string) (*contracts.Submission, error)
	// UpdateSubmission writes workflow fields (everything except channel states)
	// when the stored status still equals expected.
	UpdateSubmission(ctx context.Context, s *contracts.Submission, expected contracts.SubmissionStatus) error
	// DeleteSubmission removes a submission whose creation could not be recorded in the ledger.
	DeleteSubmission(ctx context.Context, id string) error
	ListSubmissions(ctx context.Context, caseID string) ([]*contracts.Submission, error)

	// MarkChannelPending claims a channel for attemptID. It reports false when
	// the channel is already SUBMITTED or held by a PENDING attempt newer than staleBefore.
	MarkChannelPending(ctx context.Context, id string, ch contracts.Channel, attemptID string, at, staleBefore time.Time) (bool, error)
	// SetChannelOutcome writes a terminal channel state only if the channel is
	// still PENDING under attemptID.
	SetChannelOutcome(ctx context.Context, id string, ch contracts.Channel, attemptID string, state contracts.ChannelState) (bool, error)
	SetCSIRTCountry(ctx context.Context, id, countryCode string) error
}

// MemoryCaseStore is an in-process CaseStore.
type MemoryCaseStore struct {
	mu    sync.RWMutex
	cases map[string]*contracts.Case
}

func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{cases: make(map[string]*contracts.Case)}
}

func (m *MemoryCaseStore) CreateCase(_ context.Context, c *contracts.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; ok {
		return fmt.Errorf("case %s already exists: %w", c.ID, contracts.ErrInvalidInput)
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *MemoryCaseStore) GetCase(_ context.Context, id string) (*contracts.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, contracts.CaseNotFound(id)
	}
	return c.Clone(), nil
}

func (m *MemoryCaseStore) UpdateCase(_ context.Context, c *contracts.Case, expected contracts.CaseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cases[c.ID]
	if !ok {
		return contracts.CaseNotFound(c.ID)
	}
	if cur.Status != expected {
		return ErrConcurrentUpdate
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *MemoryCaseStore) DeleteCase(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[id]; !ok {
		return contracts.CaseNotFound(id)
	}
	delete(m.cases, id)
	return nil
}

func (m *MemoryCaseStore) ListCases(_ context.Context, orgID string) ([]*contracts.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Case, 0)
	for _, c := range m.cases {
		if orgID == "" || c.OrganizationID == orgID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemorySubmissionStore is an in-process SubmissionStore.
type MemorySubmissionStore struct {
	mu   sync.RWMutex
	subs map[string]*contracts.Submission
}

func NewMemorySubmissionStore() *MemorySubmissionStore {
	return &MemorySubmissionStore{subs: make(map[string]*contracts.Submission)}
}

func (m *MemorySubmissionStore) CreateSubmission(_ context.Context, s *contracts.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; ok {
		return fmt.Errorf("submission %s already exists: %w", s.ID, contracts.ErrInvalidInput)
	}
	m.subs[s.ID] = s.Clone()
	return nil
}

func (m *MemorySubmissionStore) GetSubmission(_ context.Context, id string) (*contracts.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, contracts.SubmissionNotFound(id)
	}
	return s.Clone(), nil
}

func (m *MemorySubmissionStore) UpdateSubmission(_ context.Context, s *contracts.Submission, expected contracts.SubmissionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[s.ID]
	if !ok {
		return contracts.SubmissionNotFound(s.ID)
	}
	if cur.Status != expected {
		return ErrConcurrentUpdate
	}
	next := s.Clone()
	next.ENISA = cur.ENISA
	next.CSIRT = cur.CSIRT
	next.CSIRTCountryCode = cur.CSIRTCountryCode
	m.subs[s.ID] = next
	return nil
}

func (m *MemorySubmissionStore) DeleteSubmission(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return contracts.SubmissionNotFound(id)
	}
	delete(m.subs, id)
	return nil
}

func (m *MemorySubmissionStore) ListSubmissions(_ context.Context, caseID string) ([]*contracts.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Submission, 0)
	for _, s := range m.subs {
		if s.CaseID == caseID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func channelField(s *contracts.Submission, ch contracts.Channel) *contracts.ChannelState {
	if ch == contracts.ChannelCSIRT {
		return &s.CSIRT
	}
	return &s.ENISA
}

// Claimable reports whether a channel in state cur may be claimed by a new attempt.
func Claimable(cur contracts.ChannelState, staleBefore time.Time) bool {
	switch cur.Status {
	case contracts.ChannelSubmitted:
		return false
	case contracts.ChannelPending:
		return cur.AttemptedAt == nil || cur.AttemptedAt.Before(staleBefore)
	default:
		return true
	}
}

func (m *MemorySubmissionStore) MarkChannelPending(_ context.Context, id string, ch contracts.Channel, attemptID string, at, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, contracts.SubmissionNotFound(id)
	}
	field := channelField(s, ch)
	if !Claimable(*field, staleBefore) {
		return false, nil
	}
	attemptedAt := at
	*field = contracts.ChannelState{
		Status:      contracts.ChannelPending,
		AttemptID:   attemptID,
		AttemptedAt: &attemptedAt,
	}
	return true, nil
}

func (m *MemorySubmissionStore) SetChannelOutcome(_ context.Context, id string, ch contracts.Channel, attemptID string, state contracts.ChannelState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, contracts.SubmissionNotFound(id)
	}
	field := channelField(s, ch)
	if field.Status != contracts.ChannelPending || field.AttemptID != attemptID {
		return false, nil
	}
	state.AttemptID = attemptID
	if state.AttemptedAt == nil {
		state.AttemptedAt = field.AttemptedAt
	}
	*field = state
	return true, nil
}

func (m *MemorySubmissionStore) SetCSIRTCountry(_ context.Context, id, countryCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return contracts.SubmissionNotFound(id)
	}
	s.CSIRTCountryCode = countryCode
	return nil
}
