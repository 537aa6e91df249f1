package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when no Redis address is
// configured. Entries expire after their TTL.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// getLocked must be called with mu held.
func (s *MemoryStore) getLocked(key string) ([]byte, bool) {
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if exp, ok := s.expires[key]; ok && !s.now().Before(exp) {
		delete(s.data, key)
		delete(s.expires, key)
		return nil, false
	}
	return v, true
}

// setLocked must be called with mu held.
func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	s.data[key] = append([]byte(nil), value...)
	if ttl > 0 {
		s.expires[key] = s.now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
		delete(s.expires, k)
	}
	return nil
}

func (s *MemoryStore) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := s.getLocked(k); ok {
			out[i] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) MSet(_ context.Context, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.setLocked(it.Key, it.Value, it.TTL)
	}
	return nil
}

// Scan supports exact keys and a single trailing '*' wildcard.
func (s *MemoryStore) Scan(_ context.Context, match string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix, wildcard := strings.CutSuffix(match, "*")
	var keys []string
	for k := range s.data {
		if _, ok := s.getLocked(k); !ok {
			continue
		}
		if k == match || (wildcard && strings.HasPrefix(k, prefix)) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error              { return nil }

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.data {
		if _, ok := s.getLocked(k); ok {
			n++
		}
	}
	return n
}
