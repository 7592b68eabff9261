package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFixture struct {
	name    string
	store   Store
	advance func(d time.Duration)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func fixtures(t *testing.T) []storeFixture {
	mr, client := setupTestRedis(t)

	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	mem := NewMemoryStore(clock)

	return []storeFixture{
		{name: "memory", store: mem, advance: func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}},
		{name: "redis", store: NewRedisStore(client), advance: mr.FastForward},
	}
}

func newTestSession() *Session {
	return New("Ana", "+15550001111", "en", []string{"general_health"}, time.Now(), 24*time.Hour)
}

func TestStoreGetPut(t *testing.T) {
	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			_, err := f.store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			s := newTestSession()
			require.NoError(t, f.store.Put(ctx, s.ID, s, time.Hour))
			got, err := f.store.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Version)
			assert.Equal(t, "Ana", got.FirstName)
			assert.Equal(t, PhaseInitiated, got.Phase)
			assert.Equal(t, FactNotCollected, got.Auth.Fact(FactDOB).Status)
			require.Len(t, got.Slots, 1)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestSession()
			require.NoError(t, f.store.Put(ctx, s.ID, s, time.Hour))

			next := s.Clone()
			require.NoError(t, next.Transition(PhaseRinging, time.Now()))
			require.NoError(t, f.store.CompareAndSwap(ctx, s.ID, 1, next))
			assert.Equal(t, int64(2), next.Version)

			stale := s.Clone()
			stale.CallSID = "CA-stale"
			err := f.store.CompareAndSwap(ctx, s.ID, 1, stale)
			assert.ErrorIs(t, err, ErrConflict)
			assert.Equal(t, int64(1), stale.Version)

			got, err := f.store.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, PhaseRinging, got.Phase)
			assert.Empty(t, got.CallSID)

			assert.ErrorIs(t, f.store.CompareAndSwap(ctx, "missing", 1, next), ErrNotFound)
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestSession()
			require.NoError(t, f.store.Put(ctx, s.ID, s, time.Hour))
			require.NoError(t, f.store.BindToken(ctx, "tok", s.ID, 30*time.Minute))

			id, err := f.store.ResolveToken(ctx, "tok")
			require.NoError(t, err)
			assert.Equal(t, s.ID, id)

			// CAS keeps the original TTL
			next := s.Clone()
			next.FirstName = "Ann"
			require.NoError(t, f.store.CompareAndSwap(ctx, s.ID, 1, next))

			f.advance(31 * time.Minute)
			_, err = f.store.ResolveToken(ctx, "tok")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = f.store.Get(ctx, s.ID)
			require.NoError(t, err)

			f.advance(30 * time.Minute)
			_, err = f.store.Get(ctx, s.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestSession()
			require.NoError(t, f.store.Put(ctx, s.ID, s, time.Hour))

			const writers = 8
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := Update(ctx, f.store, s.ID, nil, func(s *Session) error {
						s.NoInputStreak++
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := f.store.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, writers, got.NoInputStreak)
			assert.Equal(t, int64(1+writers), got.Version)
		})
	}
}

func TestUpdateNoChangeAndErrors(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	s := newTestSession()
	require.NoError(t, store.Put(ctx, s.ID, s, time.Hour))

	var calls int32
	got, err := Update(ctx, store, s.ID, nil, func(s *Session) error {
		atomic.AddInt32(&calls, 1)
		return ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	boom := errors.New("boom")
	_, err = Update(ctx, store, s.ID, nil, func(s *Session) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = Update(ctx, store, "missing", nil, func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloneIsDeep(t *testing.T) {
	s := newTestSession()
	now := time.Now()
	s.Handoff = &HandoffState{Token: "t", SMSSentAt: &now}
	c := s.Clone()
	c.Slots[0].Value = "good"
	c.Auth.Facts[FactZIP] = FactState{Status: FactMatched, Value: "94107"}
	c.Handoff.Token = "other"

	assert.Empty(t, s.Slots[0].Value)
	assert.Equal(t, FactNotCollected, s.Auth.Fact(FactZIP).Status)
	assert.Equal(t, "t", s.Handoff.Token)
}
