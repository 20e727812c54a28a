// Package memory provides an in-process storage.Store.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/benvon/mail-oauth-autoconfig/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is a map-backed storage.Store safe for concurrent use
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// New creates an empty store
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Get implements storage.Store
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

// Set implements storage.Store
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Delete implements storage.Store
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Exists implements storage.Store
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// Keys implements storage.Store
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op
func (s *Store) Close() error { return nil }
