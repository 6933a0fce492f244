package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]memEntry
	seq    uint64
	now    func() time.Time
	closed bool
}

type memEntry struct {
	value     []byte
	revision  uint64
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{items: make(map[string]memEntry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the unexpired entry for key. Caller holds mu.
func (s *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return memEntry{}, false
	}
	if expired(s.now(), e.expiresAt) {
		delete(s.items, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return &Entry{
		Key:       key,
		Value:     append([]byte(nil), e.value...),
		Revision:  e.revision,
		ExpiresAt: e.expiresAt,
	}, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.write(key, value, ttl), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, value []byte, expected uint64, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var current uint64
	if e, ok := s.live(key); ok {
		current = e.revision
	}
	if current != expected {
		return 0, ErrConflict
	}
	return s.write(key, value, ttl), nil
}

// write stores value under a fresh revision. Caller holds mu.
func (s *MemoryStore) write(key string, value []byte, ttl time.Duration) uint64 {
	s.seq++
	s.items[key] = memEntry{
		value:     append([]byte(nil), value...),
		revision:  s.seq,
		expiresAt: expiryFor(s.now(), ttl),
	}
	return s.seq
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, ok := s.live(key)
	if !ok {
		return ErrNotFound
	}
	e.expiresAt = expiryFor(s.now(), ttl)
	s.items[key] = e
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
