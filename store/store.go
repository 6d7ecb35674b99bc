// Package store persists attribute values of COSEM objects across restarts.
//
// Values are kept as encoded A-XDR bytes under a key naming the object and attribute,
// see Key. The memory store keeps them for the life of the process only, the mmap store
// maps a file of fixed size slots so every write is visible to the OS immediately.
package store

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound = errors.New("value not stored")
	ErrFull     = errors.New("store is full")
	ErrTooLarge = errors.New("value too large")
	ErrClosed   = errors.New("store is closed")
)

// Store keeps encoded attribute values. Implementations are safe for concurrent use.
type Store interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Close() error
}

// Key names attribute index of the object with the given logical name.
func Key(ln string, index int) string {
	return fmt.Sprintf("%s/%d", ln, index)
}

// Memory is a non-persistent Store.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Save(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
