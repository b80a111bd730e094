// Package lock serialises work on a key across processes through Redis.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when MaxWait elapses before the lock frees up.
var ErrNotAcquired = errors.New("lock: not acquired")

var errNoClient = errors.New("lock: redis client not configured")

// compare-and-delete so an expired holder cannot drop a successor's lock
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 50 * time.Millisecond
)

// Locker hands out Redis locks under Prefix.
type Locker struct {
	R            *redis.Client
	Prefix       string
	RetryBackoff time.Duration
	// MaxWait bounds how long Acquire polls a held key; zero waits until ctx is done.
	MaxWait time.Duration
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	r     *redis.Client
	key   string
	token string
}

// Acquire polls SET NX until the key is free, MaxWait passes or ctx ends.
func (l Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l.R == nil {
		return nil, errNoClient
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	lease := &Lease{r: l.R, key: l.Prefix + key, token: uuid.NewString()}

	retry := l.RetryBackoff
	if retry <= 0 {
		retry = defaultRetry
	}
	var giveUp <-chan time.Time
	if l.MaxWait > 0 {
		t := time.NewTimer(l.MaxWait)
		defer t.Stop()
		giveUp = t.C
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		ok, err := l.R.SetNX(ctx, lease.key, lease.token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-giveUp:
			return nil, ErrNotAcquired
		case <-ticker.C:
		}
	}
}

// Release drops the key if this lease still owns it.
func (s *Lease) Release(ctx context.Context) error {
	if s == nil || s.token == "" {
		return nil
	}
	err := releaseScript.Run(ctx, s.r, []string{s.key}, s.token).Err()
	s.token = ""
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// WithLock runs fn while holding key. The lease is released whatever fn
// returns, on a context that outlives cancellation of ctx.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
	return fn(ctx)
}
