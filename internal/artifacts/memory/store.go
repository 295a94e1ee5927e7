// Package memory stores artifacts in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Store keeps artifact content in-memory and returns pseudo URIs.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore creates a new in-memory artifact store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Put persists the content and returns a memory:// URI.
func (s *Store) Put(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact content: %w", err)
	}

	s.mu.Lock()
	s.data[path] = append([]byte(nil), content...)
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns the stored content for a path.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.data[path]
	return content, ok
}

// Paths returns every stored artifact path.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	return out
}
