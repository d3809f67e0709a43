package store

import (
	"context"
	"sync"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/payment"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	admitter admitter

	mu   sync.RWMutex
	data map[address.Key][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{admitter: newAdmitter(opts), data: make(map[address.Key][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, key address.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("memory.get", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Put(ctx context.Context, key address.Key, data []byte, receipt payment.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.data[key]
	ok, err := m.admitter.admit(key, existing, exists, data, receipt)
	if err != nil || !ok {
		return err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.data[key] = stored
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key address.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.data[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryStore) Cost(ctx context.Context, key address.Key, size int) (payment.Amount, error) {
	exists, err := m.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	return m.admitter.cost(key, size, exists), nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Delete drops a record. Networks never delete; tests use it to simulate
// lost chunks.
func (m *MemoryStore) Delete(key address.Key) {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
}
