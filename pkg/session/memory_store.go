package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data    []byte
	version int64
	expires time.Time
}

type memoryToken struct {
	id      string
	expires time.Time
}

// MemoryStore is an in-process Store with the same semantics as RedisStore.
type MemoryStore struct {
	mu       sync.Mutex
	now      Clock
	sessions map[string]memoryEntry
	tokens   map[string]memoryToken
}

func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		sessions: make(map[string]memoryEntry),
		tokens:   make(map[string]memoryToken),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.live(id)
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	s, err := decode(e.data)
	if err != nil {
		return nil, err
	}
	s.Version = e.version
	return s, nil
}

func (m *MemoryStore) Put(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	if s.Version == 0 {
		s.Version = 1
	}
	data, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = memoryEntry{data: data, version: s.Version, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, id string, expected int64, next *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(id)
	if !ok {
		return ErrNotFound
	}
	if e.version != expected {
		return ErrConflict
	}
	next.Version = expected + 1
	data, err := encode(next)
	if err != nil {
		next.Version = expected
		return err
	}
	m.sessions[id] = memoryEntry{data: data, version: next.Version, expires: e.expires}
	return nil
}

func (m *MemoryStore) BindToken(ctx context.Context, token, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = memoryToken{id: id, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) ResolveToken(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || !m.now().Before(t.expires) {
		delete(m.tokens, token)
		return "", ErrNotFound
	}
	return t.id, nil
}

// live must be called with mu held.
func (m *MemoryStore) live(id string) (memoryEntry, bool) {
	e, ok := m.sessions[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expires) {
		delete(m.sessions, id)
		return memoryEntry{}, false
	}
	return e, true
}
