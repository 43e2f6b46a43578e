package store

import (
	"context"
	"sync"
)

// AuditBackend persists audit records. Insert must reject, with ErrStaleTail,
// any record that does not directly extend the organization's current tail,
// and must never modify or remove an existing record.
type AuditBackend interface {
	Tail(ctx context.Context, orgID string) (ChainTail, error)
	Insert(ctx context.Context, rec *AuditRecord) error
	List(ctx context.Context, orgID string, filter EventFilter) ([]*AuditRecord, error)
}

// MemoryAuditBackend keeps chains in process memory.
type MemoryAuditBackend struct {
	mu     sync.RWMutex
	chains map[string][]*AuditRecord
}

func NewMemoryAuditBackend() *MemoryAuditBackend {
	return &MemoryAuditBackend{chains: make(map[string][]*AuditRecord)}
}

func (m *MemoryAuditBackend) Tail(_ context.Context, orgID string) (ChainTail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[orgID]
	if len(chain) == 0 {
		return ChainTail{}, nil
	}
	last := chain[len(chain)-1]
	return ChainTail{Sequence: last.Sequence, Hash: last.Hash}, nil
}

func (m *MemoryAuditBackend) Insert(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[rec.OrganizationID]
	var tail ChainTail
	if len(chain) > 0 {
		last := chain[len(chain)-1]
		tail = ChainTail{Sequence: last.Sequence, Hash: last.Hash}
	}
	if rec.Sequence != tail.Sequence+1 || rec.PrevHash != tail.Hash {
		return ErrStaleTail
	}
	m.chains[rec.OrganizationID] = append(chain, rec.clone())
	return nil
}

func (m *MemoryAuditBackend) List(_ context.Context, orgID string, filter EventFilter) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditRecord, 0)
	for _, rec := range m.chains[orgID] {
		if !filter.matches(rec) {
			continue
		}
		out = append(out, rec.clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
