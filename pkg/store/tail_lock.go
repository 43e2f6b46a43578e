package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TailLocker provides mutual exclusion over an organization's chain tail
// across processes. The returned func releases the lock.
type TailLocker interface {
	Lock(ctx context.Context, orgID string) (func(), error)
}

var ErrLockTimeout = errors.New("timed out waiting for chain tail lock")

// releaseLockScript deletes KEYS[1] only when it still holds our token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTailLocker implements TailLocker with SET NX leases.
type RedisTailLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	wait   time.Duration
	prefix string
}

func NewRedisTailLocker(client redis.UniversalClient) *RedisTailLocker {
	return &RedisTailLocker{
		client: client,
		ttl:    10 * time.Second,
		poll:   20 * time.Millisecond,
		wait:   15 * time.Second,
		prefix: "discloser:audit:tail:",
	}
}

// NewRedisTailLockerFromAddr dials a single Redis node.
func NewRedisTailLockerFromAddr(addr, password string, db int) *RedisTailLocker {
	return NewRedisTailLocker(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func (l *RedisTailLocker) Lock(ctx context.Context, orgID string) (func(), error) {
	key := l.prefix + orgID
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return func() {
				_ = releaseLockScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
