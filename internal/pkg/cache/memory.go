package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	v       []byte
	expires time.Time
}

// MemoryStore 进程内实现；ttl<=0 表示不过期。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	nowFn func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}, nowFn: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !it.expires.IsZero() && s.nowFn().After(it.expires) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return clone(it.v), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := memItem{v: clone(value)}
	if ttl > 0 {
		it.expires = s.nowFn().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = it
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
