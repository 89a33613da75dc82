package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/orders/internal/repositories"
)

const (
	sessionKeyPrefix  = "session:active-order:"
	defaultSessionTTL = 30 * 24 * time.Hour
)

// SessionStore binds shopper sessions to their active order id with a sliding expiry.
type SessionStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewSessionStore constructs a Redis-backed session store. A non-positive ttl uses 30 days.
func NewSessionStore(client redis.Cmdable, ttl time.Duration) (*SessionStore, error) {
	if client == nil {
		return nil, errors.New("session store requires redis client")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{client: client, ttl: ttl}, nil
}

// ActiveOrderID returns the bound order id or "" when the session has none.
func (s *SessionStore) ActiveOrderID(ctx context.Context, sessionID string) (string, error) {
	key, ok := sessionKey(sessionID)
	if !ok {
		return "", nil
	}
	orderID, err := s.client.GetEx(ctx, key, s.ttl).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", wrapError("session.get", err)
	}
	return orderID, nil
}

func (s *SessionStore) SetActiveOrderID(ctx context.Context, sessionID, orderID string) error {
	key, ok := sessionKey(sessionID)
	if !ok {
		return nil
	}
	return wrapError("session.set", s.client.Set(ctx, key, strings.TrimSpace(orderID), s.ttl).Err())
}

func (s *SessionStore) ClearActiveOrder(ctx context.Context, sessionID string) error {
	key, ok := sessionKey(sessionID)
	if !ok {
		return nil
	}
	return wrapError("session.clear", s.client.Del(ctx, key).Err())
}

func sessionKey(sessionID string) (string, bool) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", false
	}
	return sessionKeyPrefix + sessionID, true
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return repositories.NewUnavailableError(op, fmt.Errorf("redis: %w", err))
}
