package storage

import (
	"context"
	"fmt"
	"sync"

	"AudioDeck/core/store"
	"AudioDeck/model"
)

type memoryBlob struct {
	meta model.AssetMeta
	data []byte
}

// MemoryStore is a BlobStore kept in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
	puts  int
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

func (m *MemoryStore) PutBinary(_ context.Context, id string, meta model.AssetMeta, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = memoryBlob{meta: meta, data: append([]byte(nil), data...)}
	m.puts++
	return nil
}

func (m *MemoryStore) GetBinary(_ context.Context, id string) (model.AssetMeta, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return model.AssetMeta{}, nil, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return b.meta, append([]byte(nil), b.data...), nil
}

func (m *MemoryStore) DeleteBinary(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}

func (m *MemoryStore) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs = make(map[string]memoryBlob)
	return nil
}

// IDs lists stored blob ids.
func (m *MemoryStore) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.blobs))
	for id := range m.blobs {
		ids = append(ids, id)
	}
	return ids
}

// Puts counts PutBinary calls, used to check unchanged blobs are skipped.
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
