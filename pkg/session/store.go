package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Store persists sessions under optimistic concurrency.
type Store interface {
	// Get returns ErrNotFound for unknown or expired ids.
	Get(ctx context.Context, id string) (*Session, error)
	// Put writes unconditionally and resets the TTL.
	Put(ctx context.Context, id string, s *Session, ttl time.Duration) error
	// CompareAndSwap writes next only if the stored version equals expected.
	// On success next.Version is expected+1. The TTL is left as is.
	CompareAndSwap(ctx context.Context, id string, expected int64, next *Session) error
	// BindToken indexes a handoff token to its session.
	BindToken(ctx context.Context, token, id string, ttl time.Duration) error
	// ResolveToken returns ErrNotFound when the token was never bound or its index lapsed.
	ResolveToken(ctx context.Context, token string) (string, error)
}

// Clock is injected for tests.
type Clock func() time.Time

const maxUpdateAttempts = 16

// Update applies fn to a fresh copy of the session and writes it back with
// CompareAndSwap, re-reading and re-applying on conflict.
// If fn returns ErrNoChange the current session is returned without a write.
func Update(ctx context.Context, store Store, id string, now Clock, fn func(s *Session) error) (*Session, error) {
	if now == nil {
		now = time.Now
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return cur, nil
			}
			return nil, err
		}
		next.UpdatedAt = now()
		err = store.CompareAndSwap(ctx, id, cur.Version, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update session %s: %w after %d attempts", id, ErrConflict, maxUpdateAttempts)
}

func encode(s *Session) ([]byte, error) {
	data, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Session, error) {
	var s Session
	if err := sonic.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Auth.Facts == nil {
		s.Auth = NewAuthState()
	}
	return &s, nil
}
