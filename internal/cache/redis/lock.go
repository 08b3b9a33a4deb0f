package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// unlockLua deletes the lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the TTL only if the key still holds the caller's token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager hands out TTL locks keyed by name. Live engines take one per
// symbol so two instances never trade the same symbol.
type LockManager struct {
	c         *Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
	logger    *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:         c,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
		logger:    logger.With(slog.String("component", "lock")),
	}
}

// Lock is a held lock.
type Lock struct {
	lm    *LockManager
	key   string
	token string
	ttl   time.Duration
	once  sync.Once
}

// Acquire takes the lock for key or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	lk := lm.c.key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	return &Lock{lm: lm, key: lk, token: token, ttl: ttl}, nil
}

// Refresh extends the lock's TTL. It returns domain.ErrLockHeld if the lock
// expired and someone else took it.
func (l *Lock) Refresh(ctx context.Context) error {
	n, err := l.lm.refreshSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: refresh lock %s: %w", l.key, domain.ErrLockHeld)
	}
	return nil
}

// Keep refreshes the lock at a third of its TTL until ctx is done. It returns
// an error wrapping domain.ErrLockHeld when another holder took the lock,
// which should stop trading. Transient refresh errors are retried.
func (l *Lock) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := l.Refresh(ctx)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, domain.ErrLockHeld):
				l.lm.logger.Error("instance lock lost", slog.String("key", l.key))
				return err
			default:
				l.lm.logger.Warn("lock refresh failed", slog.String("key", l.key), slog.String("error", err.Error()))
			}
		}
	}
}

// Release deletes the lock if it is still ours. It is safe to call more
// than once and uses its own context so it works during shutdown.
func (l *Lock) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.unlockSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token).Err()
	})
}
