// Package memory is an in-process token store for tests and one-shot runs.
package memory

import (
	"context"
	"sync"

	"github.com/bridgeaid/client/internal/tokenstore"
)

// Store keeps tokens in a map. It is not durable.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

func (s *Store) Get(_ context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}

func (s *Store) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
	return nil
}

// SetPair writes both tokens under one lock.
func (s *Store) SetPair(_ context.Context, p tokenstore.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[tokenstore.AccessToken] = p.Access
	s.values[tokenstore.RefreshToken] = p.Refresh
	return nil
}

// ClearPair removes both tokens under one lock.
func (s *Store) ClearPair(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, tokenstore.AccessToken)
	delete(s.values, tokenstore.RefreshToken)
	return nil
}
