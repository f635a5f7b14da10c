package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RoleLockKey builds the redis key serializing writes to one role.
func RoleLockKey(roleID int64) string {
	return fmt.Sprintf("authgrid:role:%d:lock", roleID)
}

// AssignmentLockKey builds the redis key serializing writes to one
// user-tenant assignment pair.
func AssignmentLockKey(userID, tenantID int64) string {
	return fmt.Sprintf("authgrid:assignment:%d:%d:lock", userID, tenantID)
}

// ErrLockNotAcquired indicates the lock stayed held past the retry budget.
var ErrLockNotAcquired = errors.New("shared: lock not acquired")

// Locker serializes mutations per entity with a redis SET NX lease. Reads
// never lock; different entities mutate in parallel. A nil client runs the
// critical section directly, which single-process deployments rely on.
type Locker struct {
	client   *redis.Client
	ttl      time.Duration
	retry    time.Duration
	attempts int
}

// NewLocker constructs a Locker with default lease settings.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{
		client:   client,
		ttl:      5 * time.Second,
		retry:    50 * time.Millisecond,
		attempts: 40,
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// WithLock runs fn while holding the named lock.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	token := uuid.NewString()
	acquired := false
	for attempt := 0; attempt < l.attempts; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("shared: acquire lock: %w", err)
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
	if !acquired {
		return ErrLockNotAcquired
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// Lease TTL reclaims the lock if the release is lost.
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}()
	return fn(ctx)
}
