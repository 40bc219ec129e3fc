// Package identity persists the remembered ventilator identity across
// process restarts. A store holds at most one identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Load when no identity is stored.
var ErrNotFound = errors.New("identity: not found")

// Store persists a single device identity.
type Store interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open returns the store for backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendFile:
		return NewFileStore(path), nil
	case BackendSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("identity: unknown backend %q", backend)
	}
}

// MemoryStore keeps the identity for the life of the process only.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return "", ErrNotFound
	}
	return s.id, nil
}

func (s *MemoryStore) Save(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	return nil
}

func (s *MemoryStore) Close() error { return nil }
