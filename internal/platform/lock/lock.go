// Package lock provides a best-effort distributed mutex on redis so that only
// one readiness sweep runs per tenant at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrNotHeld = errors.New("lock not held by this owner")

type Locker interface {
	// TryLock returns a non-empty token when the lock was acquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		l.logger.Info().Str("key", key).Msg("lock held elsewhere")
		return "", false, nil
	}
	l.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("lock acquired")
	return token, true, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Local always grants the lock. Used when redis is not configured and only a
// single process runs sweeps.
type Local struct{}

func (Local) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "local", true, nil
}

func (Local) Unlock(context.Context, string, string) error { return nil }

// SweepKey is the lock key for a tenant's readiness sweep.
func SweepKey(tenantID string) string {
	return "ehr-billing:sweep:" + tenantID
}
