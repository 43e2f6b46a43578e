package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisTailLocker_Integration requires a running Redis on localhost.
func TestRedisTailLocker_Integration(t *testing.T) {
	locker := NewRedisTailLockerFromAddr("localhost:6379", "", 0)
	ctx := context.Background()
	if err := locker.client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	locker.wait = 200 * time.Millisecond

	unlock, err := locker.Lock(ctx, "org-lock-test")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "org-lock-test")
	require.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	unlock2, err := locker.Lock(ctx, "org-lock-test")
	require.NoError(t, err)
	unlock2()

	backend := NewMemoryAuditBackend()
	a := NewAuditLedger(backend, WithTailLocker(locker))
	b := NewAuditLedger(backend, WithTailLocker(locker))
	_, err = a.Append(ctx, AppendRequest{OrganizationID: "org-lock-test", EntityType: "case", EntityID: "c", Action: "one"})
	require.NoError(t, err)
	rec, err := b.Append(ctx, AppendRequest{OrganizationID: "org-lock-test", EntityType: "case", EntityID: "c", Action: "two"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Sequence)
}

type countingLocker struct {
	locks, unlocks int
}

func (c *countingLocker) Lock(context.Context, string) (func(), error) {
	c.locks++
	return func() { c.unlocks++ }, nil
}

func TestAuditLedger_TailLockerReloadsTail(t *testing.T) {
	backend := NewMemoryAuditBackend()
	locker := &countingLocker{}
	a := NewAuditLedger(backend, WithTailLocker(locker))
	b := NewAuditLedger(backend, WithTailLocker(locker))
	ctx := context.Background()

	for i, l := range []*AuditLedger{a, b, a} {
		rec, err := l.Append(ctx, AppendRequest{OrganizationID: "o", EntityType: "case", EntityID: "c", Action: "x"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), rec.Sequence)
	}
	assert.Equal(t, 3, locker.locks)
	assert.Equal(t, 3, locker.unlocks)
}
