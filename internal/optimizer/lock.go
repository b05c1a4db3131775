package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLocker guards the at-most-one-in-flight-run-per-lab invariant across
// processes. TryLock returns false when another holder owns the lab.
type RunLocker interface {
	TryLock(ctx context.Context, labID string) (bool, error)
	Unlock(ctx context.Context, labID string) error
}

// RedisRunLocker implements RunLocker with SET NX and a TTL so crashed
// holders cannot wedge a lab forever.
type RedisRunLocker struct {
	Client *redis.Client
	TTL    time.Duration
}

func (l *RedisRunLocker) key(labID string) string { return "opt:lock:" + labID }

func (l *RedisRunLocker) TryLock(ctx context.Context, labID string) (bool, error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return l.Client.SetNX(ctx, l.key(labID), "1", ttl).Result()
}

func (l *RedisRunLocker) Unlock(ctx context.Context, labID string) error {
	return l.Client.Del(ctx, l.key(labID)).Err()
}

// localRunLocker is the in-process fallback when no Redis is configured.
type localRunLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLocalRunLocker() *localRunLocker {
	return &localRunLocker{held: map[string]bool{}}
}

func (l *localRunLocker) TryLock(ctx context.Context, labID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[labID] {
		return false, nil
	}
	l.held[labID] = true
	return true, nil
}

func (l *localRunLocker) Unlock(ctx context.Context, labID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, labID)
	return nil
}
