package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultLeaseTTL = 5 * time.Minute

// Lease grants short-lived exclusive ownership of one subscription while
// its charge is in flight. The global tick lock already serializes ticks;
// the lease additionally protects against a crashed worker's overlap when
// the TTL of the previous tick has not run out.
type Lease interface {
	Acquire(ctx context.Context, subscriptionID uuid.UUID) (bool, error)
	Release(ctx context.Context, subscriptionID uuid.UUID) error
}

// RedisLease implements Lease using one SETNX key per subscription.
type RedisLease struct {
	client redisStore
	prefix string
	ttl    time.Duration
}

// NewRedisLease constructs a Redis-backed lease.
func NewRedisLease(client redisStore, prefix string, ttl time.Duration) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("redis client required for lease")
	}
	if prefix == "" {
		return nil, errors.New("lease prefix is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLease{client: client, prefix: prefix, ttl: ttl}, nil
}

func (l *RedisLease) key(subscriptionID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", l.prefix, subscriptionID)
}

// Acquire claims the subscription for the TTL.
func (l *RedisLease) Acquire(ctx context.Context, subscriptionID uuid.UUID) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(subscriptionID), "1", l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx lease: %w", err)
	}
	return ok, nil
}

// Release frees the subscription before the TTL runs out.
func (l *RedisLease) Release(ctx context.Context, subscriptionID uuid.UUID) error {
	if err := l.client.Del(ctx, l.key(subscriptionID)); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}
