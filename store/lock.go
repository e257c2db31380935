package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nexusus/envy/errors"
)

// releaseScript deletes the lock key only when it still holds our token, so
// a reconciliation that outlived its TTL never releases a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is the per-entity distributed mutual-exclusion primitive. Acquisition
// is a single set-if-absent with TTL against the shared store; the TTL bounds
// how long one reconciliation may run before exclusivity is lost.
type Lock struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewLock creates a Lock with the given TTL budget
func NewLock(rdb redis.UniversalClient, ttl time.Duration) *Lock {
	return &Lock{rdb: rdb, ttl: ttl}
}

// Acquire attempts to take the entity lock. Returns the holder token on
// success, or ErrLockBusy when another reconciliation is in flight; callers
// must abandon the attempt, not queue behind it.
func (l *Lock) Acquire(ctx context.Context, entityID string) (string, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKeyPrefix+entityID, token, l.ttl).Result()
	if err != nil {
		return "", errors.WrapFatal(err, "Lock", "Acquire", "set lock key")
	}
	if !ok {
		return "", errors.ErrLockBusy
	}
	return token, nil
}

// Release frees the lock if the token still owns it. Best effort: the TTL
// cleans up after a crashed holder, so release failures are not correctness
// problems.
func (l *Lock) Release(ctx context.Context, entityID, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKeyPrefix + entityID}, token).Err(); err != nil && err != redis.Nil {
		return errors.WrapTransient(err, "Lock", "Release", "release lock key")
	}
	return nil
}
