package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// Lock keys carry a namespace so that a shared Redis instance never collides
// with the depth cache or the rate-limit counters.
const lockPrefix = "exchange:lock:"

// releaseScript deletes the lock key only while it still holds the owner's
// fencing token. Without the token check, a holder whose TTL expired could
// release a lock that has since been granted to someone else.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX plus a TTL. The
// settlement sweep and the epoch archiver take these locks so that only one
// instance per deployment performs each epoch's work.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.RDB(),
		release: redis.NewScript(releaseScript),
	}
}

// Acquire obtains the named lock for at most ttl. On success it returns an
// idempotent unlock function; it returns domain.ErrLockHeld while another
// owner holds the lock.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	name := lockPrefix + key

	ok, err := lm.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true
		// The caller's context is often already cancelled by the time a
		// deferred unlock runs; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.release.Run(releaseCtx, lm.rdb, []string{name}, token).Err()
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
