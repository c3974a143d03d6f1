package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("lock is held by another process")

var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out leases on Redis keys. Only the holder of a lease can
// refresh or release it.
type Locker struct {
	redis *RedisStorage
	wait  time.Duration
}

// NewLocker returns a locker that keeps retrying a busy key for up to wait.
func NewLocker(r *RedisStorage, wait time.Duration) *Locker {
	return &Locker{redis: r, wait: wait}
}

// Lock is a held lease. It satisfies core.Lock.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if l.wait > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 50 * time.Millisecond
		exp.MaxInterval = time.Second
		exp.MaxElapsedTime = l.wait
		policy = exp
	}

	err := backoff.Retry(func() error {
		ok, err := l.redis.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLockNotAcquired
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return &Lock{client: l.redis.client, key: key, token: token, ttl: ttl}, nil
}

// Clear drops a lease whoever holds it.
func (l *Locker) Clear(ctx context.Context, key string) error {
	if err := l.redis.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear lock %s: %w", key, err)
	}
	return nil
}

func (l *Lock) Key() string {
	return l.key
}

// Refresh extends the lease by its initial ttl.
func (l *Lock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to refresh lock %s: %w", l.key, ErrLockNotAcquired)
	}
	return nil
}

func (l *Lock) Unlock(ctx context.Context) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
