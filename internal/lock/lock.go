// Package lock provides a named, time-bounded distributed mutex backed by
// Redis. Each acquisition stores a fresh random token so release and renewal
// can verify ownership atomically before acting; a lock that expired and was
// re-acquired elsewhere is never deleted out from under its new owner.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oturie/relay/internal/logger"
)

const keyPrefix = "relay:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes the expiry only while the key holds our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Client is the subset of the go-redis API the lock manager uses. The
// concrete *redis.Client satisfies it; tests substitute a fake.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// Manager acquires and releases named locks against a Redis instance.
type Manager struct {
	client Client
	log    *logger.Logger
	ttl    time.Duration
	renew  time.Duration
}

// NewManager creates a lock manager. ttl bounds how long a crashed holder
// can block other instances; renew is the renewal cadence, derived as half
// the TTL when non-positive.
func NewManager(client Client, log *logger.Logger, ttl, renew time.Duration) *Manager {
	if renew <= 0 {
		renew = ttl / 2
	}
	return &Manager{client: client, log: log, ttl: ttl, renew: renew}
}

// Lock is a held distributed lock with a background renewal loop.
type Lock struct {
	manager *Manager
	name    string
	token   string

	lost   atomic.Bool
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// TryAcquire attempts a non-blocking acquisition of the named lock. It
// returns (nil, false) when another holder exists or when the coordination
// store is unreachable; skipping a fire is always safer than risking a
// double execution.
func (m *Manager) TryAcquire(ctx context.Context, name string) (*Lock, bool) {
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, keyPrefix+name, token, m.ttl).Result()
	if err != nil {
		m.log.Warn("lock acquire failed, treating as not acquired",
			logger.Field{Key: "lock", Value: name},
			logger.Field{Key: "error", Value: err})
		return nil, false
	}
	if !ok {
		return nil, false
	}

	l := &Lock{manager: m, name: name, token: token}

	renewCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done.Add(1)
	go l.renewLoop(renewCtx)

	return l, true
}

// Name returns the lock's name.
func (l *Lock) Name() string {
	return l.name
}

// Lost reports whether renewal observed the lock missing or owned by
// another token. In-flight work is not interrupted, but callers should not
// rely on mutual exclusion once this returns true.
func (l *Lock) Lost() bool {
	return l.lost.Load()
}

// Release stops renewal and conditionally deletes the key. Safe to call
// regardless of outcome; releasing a lost or expired lock is a no-op.
func (l *Lock) Release(ctx context.Context) {
	l.cancel()
	l.done.Wait()

	if l.lost.Load() {
		return
	}

	if err := releaseScript.Run(ctx, l.manager.client, []string{keyPrefix + l.name}, l.token).Err(); err != nil && err != redis.Nil {
		l.manager.log.Warn("lock release failed, key will expire by TTL",
			logger.Field{Key: "lock", Value: l.name},
			logger.Field{Key: "error", Value: err})
	}
}

// renewLoop extends the key's expiry on the manager's renewal cadence while
// held. If the key is gone or owned by someone else the loop stops and marks
// the lock lost; on store errors renewal simply stops and the TTL expires
// naturally.
func (l *Lock) renewLoop(ctx context.Context) {
	defer l.done.Done()

	ttl := l.manager.ttl
	ticker := time.NewTicker(l.manager.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := extendScript.Run(ctx, l.manager.client,
				[]string{keyPrefix + l.name}, l.token, ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.manager.log.Warn("lock renewal failed, stopping renewal",
					logger.Field{Key: "lock", Value: l.name},
					logger.Field{Key: "error", Value: err})
				return
			}
			if res == 0 {
				l.lost.Store(true)
				l.manager.log.Warn("lock no longer owned, stopping renewal",
					logger.Field{Key: "lock", Value: l.name})
				return
			}
		}
	}
}
