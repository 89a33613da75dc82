// Package locking provides per-order mutual exclusion for order mutations.
package locking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "order-lock:"
	defaultTTL       = 10 * time.Second
	defaultWait      = 5 * time.Second
)

// ErrLockTimeout is returned when the lock could not be acquired before the wait budget ran out.
var ErrLockTimeout = errors.New("locking: timed out waiting for order lock")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker holds order locks in Redis with SET NX PX. Each holder writes a random token and
// only the holder's token can release the key.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	wait   time.Duration
	logf   func(ctx context.Context, event string, fields map[string]any)
}

// RedisOption customises a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets how long an unreleased lock survives.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithWait bounds how long Lock blocks waiting for a held lock.
func WithWait(wait time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if wait > 0 {
			l.wait = wait
		}
	}
}

// WithKeyPrefix overrides the Redis key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		if strings.TrimSpace(prefix) != "" {
			l.prefix = prefix
		}
	}
}

// WithLogger reports release failures.
func WithLogger(logf func(ctx context.Context, event string, fields map[string]any)) RedisOption {
	return func(l *RedisLocker) {
		if logf != nil {
			l.logf = logf
		}
	}
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client redis.Cmdable, opts ...RedisOption) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("locking: redis client is required")
	}
	locker := &RedisLocker{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    defaultTTL,
		wait:   defaultWait,
		logf:   func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(locker)
		}
	}
	return locker, nil
}

// Lock blocks until the order lock is acquired, the wait budget is exhausted or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("locking: order id is required")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := l.prefix + orderID

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	backoff := gax.Backoff{Initial: 10 * time.Millisecond, Max: 200 * time.Millisecond, Multiplier: 2}
	for {
		ok, err := l.client.SetNX(waitCtx, key, token, l.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return nil, ErrLockTimeout
			}
			return nil, fmt.Errorf("locking: acquire %s: %w", key, err)
		}
		if ok {
			return l.releaser(ctx, key, token), nil
		}
		if err := gax.Sleep(waitCtx, backoff.Pause()); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrLockTimeout
		}
	}
}

func (l *RedisLocker) releaser(ctx context.Context, key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logf(ctx, "order.lock.release.failed", map[string]any{"key": key, "error": err.Error()})
			}
		})
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("locking: token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MemoryLocker serialises order mutations within a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch      chan struct{}
	waiters int
}

// NewMemoryLocker constructs an in-process keyed mutex.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until the order lock is free or ctx ends.
func (m *MemoryLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	m.mu.Lock()
	lock, ok := m.locks[orderID]
	if !ok {
		lock = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[orderID] = lock
	}
	lock.waiters++
	m.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		m.done(orderID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			m.done(orderID, lock)
		})
	}, nil
}

func (m *MemoryLocker) done(orderID string, lock *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock.waiters--
	if lock.waiters == 0 {
		delete(m.locks, orderID)
	}
}
