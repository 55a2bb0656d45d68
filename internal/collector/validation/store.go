package validation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxEntries bounds the in-memory store.
const DefaultMaxEntries = 10000

// Store holds encoded verdicts with a per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// StoreStats is a snapshot of MemoryStore counters.
type StoreStats struct {
	Entries   int    `json:"entries"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
// Expired entries are dropped lazily on read and first when the store is full.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	maxSize int
	now     func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewMemoryStore creates a store holding at most maxSize entries.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	return &MemoryStore{
		entries: make(map[string]entry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses.Add(1)
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		s.misses.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evictLocked()
	}
	s.entries[key] = entry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// evictLocked removes every expired entry, or the entry closest to expiry
// when nothing has expired.
func (s *MemoryStore) evictLocked() {
	now := s.now()
	removed := 0
	var oldestKey string
	var oldest time.Time

	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if removed == 0 && oldestKey != "" {
		delete(s.entries, oldestKey)
		removed = 1
	}
	s.evictions.Add(uint64(removed))
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
	return nil
}

// Stats returns the current counters.
func (s *MemoryStore) Stats() StoreStats {
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	return StoreStats{
		Entries:   n,
		MaxSize:   s.maxSize,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}
