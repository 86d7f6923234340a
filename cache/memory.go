package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps all stores in process memory.
// Contents are lost on restart.
type MemoryStorage struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
	order  []string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memStore{
		name:    name,
		mutex:   &sync.RWMutex{},
		entries: make(map[string]memEntry),
	}
	m.stores[name] = s
	m.order = append(m.order, name)
	return s, nil
}

func (m *MemoryStorage) Get(_ context.Context, name string) (Store, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, ok := m.stores[name]
	if !ok {
		return nil, false, nil
	}
	return s, true, nil
}

func (m *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemoryStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	s.mutex.Lock()
	s.deleted = true
	s.entries = make(map[string]memEntry)
	s.mutex.Unlock()
	return true, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

type memEntry struct {
	seq   uint64
	entry Entry
}

type memStore struct {
	name    string
	mutex   *sync.RWMutex
	entries map[string]memEntry
	seq     uint64
	deleted bool
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Match(_ context.Context, key string) (Entry, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(e.entry), true, nil
}

func (s *memStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

func (s *memStore) PutAll(_ context.Context, entries []Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return ErrStoreNotFound
	}
	for _, entry := range entries {
		s.seq++
		s.entries[entry.Key] = memEntry{
			seq:   s.seq,
			entry: copyEntry(entry),
		}
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *memStore) Keys(_ context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	all := make([]memEntry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	keys := make([]string, len(all))
	for i, e := range all {
		keys[i] = e.entry.Key
	}
	return keys, nil
}

// copyEntry detaches the entry bytes from the caller's slice.
func copyEntry(e Entry) Entry {
	e.Bytes = append([]byte(nil), e.Bytes...)
	return e
}
