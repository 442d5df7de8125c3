// Package objectstore is the byte store holding scene images and rendered archives.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("object not found")

// Object is a stored blob and its content type.
type Object struct {
	Data        []byte
	ContentType string
}

// Store gets and puts objects by key.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Memory is a Store backed by a map.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Get(_ context.Context, key string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return &Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}, nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

// Keys returns the stored keys in no particular order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
