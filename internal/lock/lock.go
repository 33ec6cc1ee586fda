// Package lock provides a Redis-backed distributed lock with fencing
// tokens. The allocator's unwind sweep takes this lock so only one
// instance evaluates positions at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is held elsewhere.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// extendScript refreshes the TTL only for the current owner.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Lease is one acquired lock. The fence token increases monotonically
// across acquisitions of the same key; downstream writers can reject
// actions carrying a stale fence.
type Lease struct {
	Key   string
	Token string
	Fence int64
}

// Locker hands out leases backed by Redis.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Locker with the given lease TTL.
func New(client *redis.Client, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes the named lock, returning ErrNotAcquired when another
// holder has it.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	key := "lock:" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	fence, err := l.client.Incr(ctx, key+":fence").Result()
	if err != nil {
		// Lock is held but the fence could not advance; give it back.
		releaseScript.Run(ctx, l.client, []string{key}, token)
		return nil, fmt.Errorf("failed to advance fence for %s: %w", name, err)
	}

	return &Lease{Key: key, Token: token, Fence: fence}, nil
}

// Release gives the lock back if the lease still owns it. Releasing an
// expired or stolen lease is a no-op.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lease.Key, err)
	}
	return nil
}

// Extend pushes the lease TTL out, for holders whose work outruns the
// initial lease.
func (l *Locker) Extend(ctx context.Context, lease *Lease) error {
	res, err := extendScript.Run(ctx, l.client, []string{lease.Key}, lease.Token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", lease.Key, err)
	}
	if res == 0 {
		return ErrNotAcquired
	}
	return nil
}
