package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in process. Snapshots are copied through their
// JSON encoding, so callers never share maps with the store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), now: time.Now}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, connector string) (*Snapshot, error) {
	if err := validConnector(connector); err != nil {
		return nil, err
	}
	m.mu.Lock()
	data, ok := m.data[Key(connector)]
	m.mu.Unlock()

	if !ok {
		return emptySnapshot(connector), nil
	}
	return decode(data)
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *Snapshot) error {
	if err := validConnector(s.Connector); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s.Version++
	s.SavedAt = m.now().UTC()
	data, err := encode(s)
	if err != nil {
		s.Version--
		return err
	}
	m.data[Key(s.Connector)] = data
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, connector string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, Key(connector))
	return nil
}
