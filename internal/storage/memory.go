package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is a Backend that keeps every store in process memory.
type Memory struct {
	mu     sync.Mutex
	stores map[string]*memStore
	closed bool
}

func NewMemory() *Memory {
	return &Memory{stores: map[string]*memStore{}}
}

func (m *Memory) Open(_ context.Context, name string) (Store, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.stores[name]
	if !ok {
		s = &memStore{name: name, items: map[string]*Entry{}, owner: m}
		m.stores[name] = s
	}
	return s, nil
}

func (m *Memory) Names(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.stores))
	for name := range m.stores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	delete(m.stores, name)
	s.mu.Lock()
	s.items = map[string]*Entry{}
	s.mu.Unlock()
	return true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type memStore struct {
	name  string
	owner *Memory

	mu    sync.RWMutex
	items map[string]*Entry
}

func (s *memStore) Name() string { return s.name }

func (s *memStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	if s.owner.isClosed() {
		return nil, false, ErrClosed
	}
	s.mu.RLock()
	ent, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return ent.Clone(), true, nil
}

func (s *memStore) Put(_ context.Context, ent *Entry) error {
	if s.owner.isClosed() {
		return ErrClosed
	}
	c := ent.Clone()
	s.mu.Lock()
	s.items[c.Key] = c
	s.mu.Unlock()
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) (bool, error) {
	if s.owner.isClosed() {
		return false, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	delete(s.items, key)
	return ok, nil
}

func (s *memStore) Walk(ctx context.Context, fn func(Meta) bool) error {
	if s.owner.isClosed() {
		return ErrClosed
	}
	s.mu.RLock()
	metas := make([]Meta, 0, len(s.items))
	for k, ent := range s.items {
		metas = append(metas, Meta{Key: k, Size: ent.Size(), StoredAt: ent.StoredAt})
	}
	s.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool { return metas[i].Key < metas[j].Key })
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(m) {
			return nil
		}
	}
	return nil
}

func (s *memStore) Size(_ context.Context) (int64, error) {
	if s.owner.isClosed() {
		return 0, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, ent := range s.items {
		total += ent.Size()
	}
	return total, nil
}

func (s *memStore) Clear(_ context.Context) error {
	if s.owner.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	s.items = map[string]*Entry{}
	s.mu.Unlock()
	return nil
}
