package session

import (
	"context"
	"sync"
)

// Storage tags reported in the session entity.
const (
	StorageTagSQLite = "SQLITE"
	StorageTagMemory = "MEMORY"
)

// Store is the key-value surface of the durable store.
type Store interface {
	LoadValue(ctx context.Context, key string) ([]byte, bool, error)
	SaveValue(ctx context.Context, key string, value []byte) error
}

// Storage persists the session and names the mechanism used.
type Storage interface {
	Store
	Tag() string
}

// StoreStorage persists the session in the SQLite key-value table.
type StoreStorage struct {
	Store
}

// NewStoreStorage wraps a durable key-value store.
func NewStoreStorage(s Store) StoreStorage {
	return StoreStorage{Store: s}
}

// Tag implements Storage.
func (StoreStorage) Tag() string { return StorageTagSQLite }

// MemoryStorage keeps the session for the process lifetime only.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string][]byte)}
}

// LoadValue implements Store.
func (m *MemoryStorage) LoadValue(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// SaveValue implements Store.
func (m *MemoryStorage) SaveValue(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Tag implements Storage.
func (*MemoryStorage) Tag() string { return StorageTagMemory }
