package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard provides best-effort single-execution semantics backed by Redis.
// Acquire wins exactly once per key within the TTL; losing callers are
// expected to treat the work as already done. Redis being unavailable is
// reported as an error so callers can decide whether to proceed anyway.
type Guard struct {
	R *redis.Client
}

// Acquire attempts to claim the key for ttl. It returns true when this caller
// won the claim.
func (g Guard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if g.R == nil {
		return false, errors.New("lock: redis client not configured")
	}
	if strings.TrimSpace(key) == "" {
		return false, errors.New("lock: key is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return g.R.SetNX(ctx, key, "1", ttl).Result()
}

// Release drops the claim so a later retry can run the work again. Used when
// the guarded side effect failed after the claim was won.
func (g Guard) Release(ctx context.Context, key string) error {
	if g.R == nil {
		return errors.New("lock: redis client not configured")
	}
	return g.R.Del(ctx, key).Err()
}

// Locker provides a Redis-backed distributed lock.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// WithLock executes fn while holding a lock for the provided key. The lock is
// released automatically even if fn returns an error. When the lock cannot be
// acquired before the context is cancelled an error is returned.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			defer l.release(context.Background(), key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Locker) release(ctx context.Context, key, token string) {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`
	if err := l.R.Eval(ctx, script, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
