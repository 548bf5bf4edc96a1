package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStorage is an in-process Storage. Used in standalone mode and tests.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]Item)}
}

func (m *MemoryStorage) Read(ctx context.Context, keys []string) (map[string]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Item, len(keys))
	for _, k := range keys {
		if it, ok := m.items[k]; ok {
			out[k] = Item{Value: append([]byte(nil), it.Value...), ETag: it.ETag}
		}
	}
	return out, nil
}

// Write applies all items atomically: either every item is written or, on the
// first conflict, none is.
func (m *MemoryStorage) Write(ctx context.Context, items map[string]Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, it := range items {
		if !ConditionalETag(it.ETag) {
			continue
		}
		if cur, ok := m.items[k]; ok && cur.ETag != it.ETag {
			return &ConflictError{Key: k}
		}
	}
	for k, it := range items {
		m.items[k] = Item{
			Value: append([]byte(nil), it.Value...),
			ETag:  uuid.NewString(),
		}
	}
	return nil
}

func (m *MemoryStorage) Delete(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Len returns the number of stored items.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
