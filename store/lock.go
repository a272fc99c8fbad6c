package store

import (
	"fmt"

	"time"

	"github.com/google/uuid"

	"github.com/XCP/xcpfolio-bot/logging"
)

// releaseScript deletes the lock key only when the stored token matches
// the caller's. A non-holder release is a no-op.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lock provides a TTL-scoped distributed lock over the state store.
type Lock struct {
	store  *Store
	logger *logging.ComponentLogger
}

// NewLock creates a distributed lock helper.
func NewLock(store *Store, logger *logging.ComponentLogger) *Lock {
	return &Lock{store: store, logger: logger}
}

// Acquire attempts to take the lock at key for ttl. On success it
// returns the holder token needed for release.
func (l *Lock) Acquire(key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	acquired, err := l.store.client.SetNX(key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return "", false, nil
	}
	l.logger.Debug().
		Str("key", key).
		Dur("ttl", ttl).
		Msg("Distributed lock acquired")
	return token, true, nil
}

// Release frees the lock at key if token proves ownership. Releasing a
// lock held by someone else leaves it untouched.
func (l *Lock) Release(key, token string) error {
	deleted, err := l.store.client.Eval(releaseScript, []string{key}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if n, ok := deleted.(int64); ok && n == 0 {
		l.logger.Warn().
			Str("key", key).
			Msg("Lock release skipped: token no longer owns the lock")
	}
	return nil
}
