package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 内存实现，用于开发与测试
type MemoryStore struct {
	mu      sync.RWMutex
	markers map[string]*Marker
	closed  bool
	now     func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{markers: make(map[string]*Marker), now: time.Now}
}

func (s *MemoryStore) Store(ctx context.Context, m *Marker) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(m.Key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if prev, ok := s.markers[m.Key]; ok {
		m.ID = prev.ID
		m.CreatedAt = prev.CreatedAt
	} else {
		m.ID = NewID()
		m.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	}
	s.markers[m.Key] = m.Clone()
	return nil
}

func (s *MemoryStore) Lookup(ctx context.Context, key string) (*Marker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.markers[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// Len 记录数
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markers)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
