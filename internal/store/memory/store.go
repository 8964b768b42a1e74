// Package memory provides an in-memory destination store for tests.
package memory

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// Store keeps payloads in a map keyed by directory-qualified name.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// Seed marks a destination as already present, for idempotency tests.
func (s *Store) Seed(dest grab.DestinationContext, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key(dest, name)] = data
}

// Exists reports whether the destination already holds the name.
func (s *Store) Exists(_ context.Context, dest grab.DestinationContext, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key(dest, name)]
	return ok, nil
}

// Put stores the payload and returns a mem:// URI.
func (s *Store) Put(_ context.Context, dest grab.DestinationContext, name string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(dest, name)
	s.objects[k] = append([]byte(nil), data...)
	return fmt.Sprintf("mem://%s", k), nil
}

// Get returns a stored payload, for assertions.
func (s *Store) Get(dest grab.DestinationContext, name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key(dest, name)]
	return data, ok
}

func key(dest grab.DestinationContext, name string) string {
	return path.Join(dest.Directory, name)
}
