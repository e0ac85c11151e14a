package state

import (
	"slices"
	"sync"
)

// MemoryStore keeps entries in a map plus a sorted key index.
//
// A mutex guards it so the admin surface can read a partition's store while
// the owning actor writes; partition code itself never contends.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   []string
	values map[string][]byte
	closed bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.values[key]; !exists {
		i, _ := slices.BinarySearch(m.keys, key)
		m.keys = slices.Insert(m.keys, i, key)
	}
	m.values[key] = slices.Clone(value)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.values[key]; !exists {
		return nil
	}
	delete(m.values, key)
	if i, found := slices.BinarySearch(m.keys, key); found {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
	return nil
}

// Scan iterates over a copy of the matching key range, so fn observes the
// store as it was when the scan started.
func (m *MemoryStore) Scan(from string, fn ScanFunc) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}
	i, _ := slices.BinarySearch(m.keys, from)
	entries := make([]Entry, 0, len(m.keys)-i)
	for _, k := range m.keys[i:] {
		entries = append(entries, Entry{Key: k, Value: m.values[k]})
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.Key, slices.Clone(e.Value)) {
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Export() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Entry, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, Entry{Key: k, Value: slices.Clone(m.values[k])})
	}
	return out, nil
}

func (m *MemoryStore) Import(entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.keys = m.keys[:0]
	m.values = make(map[string][]byte, len(entries))
	for _, e := range entries {
		if _, dup := m.values[e.Key]; !dup {
			m.keys = append(m.keys, e.Key)
		}
		m.values[e.Key] = slices.Clone(e.Value)
	}
	slices.Sort(m.keys)
	return nil
}

// Len returns the number of keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.keys = nil
	m.values = nil
	return nil
}
