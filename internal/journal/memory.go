package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// InMemoryStore is a Store[T] without persistence.
type InMemoryStore[T any] struct {
	mu   sync.Mutex
	keys []string // sorted
	data map[string][]byte
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{
		data: make(map[string][]byte),
	}
}

// Insert implements Store.
func (s *InMemoryStore[T]) Insert(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := slices.BinarySearch(s.keys, key)
	if found {
		return fmt.Errorf("key %s: %w", key, ErrExists)
	}
	s.keys = slices.Insert(s.keys, i, key)
	s.data[key] = data
	return nil
}

// Trim implements Store.
func (s *InMemoryStore[T]) Trim(ctx context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	excess := len(s.keys) - max(keep, 0)
	if excess <= 0 {
		return nil
	}
	for _, k := range s.keys[:excess] {
		delete(s.data, k)
	}
	s.keys = slices.Delete(s.keys, 0, excess)
	return nil
}

// Tail implements Store.
func (s *InMemoryStore[T]) Tail(ctx context.Context, n int, fn func(key string, value *T) error) error {
	s.mu.Lock()
	keys := s.keys
	if n > 0 && len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	keys = slices.Clone(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = s.data[k]
	}
	s.mu.Unlock()

	for i, k := range keys {
		var value T
		if err := json.Unmarshal(values[i], &value); err != nil {
			return err
		}
		if err := fn(k, &value); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for in-memory store
func (s *InMemoryStore[T]) Close() error {
	return nil
}
