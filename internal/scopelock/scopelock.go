// Package scopelock provides a Redis-backed mutual exclusion lock keyed by
// conversation scope. It lets several Lectern replicas share one Redis and
// still run at most one turn per scope at a time.
//
// A lock is a key set with NX and a millisecond TTL holding a random token.
// Release deletes the key only when the token still matches, so a lock that
// expired and was taken by another replica is never removed by its former
// owner.
package scopelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed replica can keep a scope locked.
const DefaultTTL = 3 * time.Minute

const keyPrefix = "lectern:scope-lock:"

// unlockScript deletes KEYS[1] only if it still holds ARGV[1].
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrNotHeld is returned by a release function when the lock had already
// expired or been taken over.
var ErrNotHeld = errors.New("scopelock: lock not held")

// Locker acquires scope locks in Redis. It is safe for concurrent use.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the lock expiry. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{client: client, ttl: DefaultTTL}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Connect dials Redis at addr and verifies the connection with a PING.
func Connect(ctx context.Context, addr string, opts ...Option) (*Locker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("scopelock: connect %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// Acquire tries to take the lock for key without waiting. ok is false when
// another holder owns it. The returned release function must be called once
// the turn ends.
func (l *Locker) Acquire(ctx context.Context, key string) (release func(context.Context) error, ok bool, err error) {
	token := uuid.NewString()
	rkey := keyPrefix + key
	ok, err = l.client.SetNX(ctx, rkey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("scopelock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func(ctx context.Context) error {
		n, err := unlockScript.Run(ctx, l.client, []string{rkey}, token).Int64()
		if err != nil {
			return fmt.Errorf("scopelock: release %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("scopelock: release %s: %w", key, ErrNotHeld)
		}
		return nil
	}
	return release, true, nil
}

// Ping reports whether Redis is reachable.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (l *Locker) Close() error {
	return l.client.Close()
}
