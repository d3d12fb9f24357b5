// Package memory stores artifacts in-memory for development and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

// Store keeps artifacts in a map keyed by their object path.
type Store struct {
	mu   sync.RWMutex
	data map[string]harvest.Artifact
}

// New creates a new in-memory artifact store.
func New() *Store {
	return &Store{data: make(map[string]harvest.Artifact)}
}

// PutArtifact persists the artifact and returns a pseudo URI.
func (s *Store) PutArtifact(_ context.Context, a harvest.Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := harvest.ArtifactPath(a.CollectionID, a.Year, a.Month, a.Region)
	s.data[path] = a
	return fmt.Sprintf("memory://%s", path), nil
}

// GetArtifact fetches a stored artifact by its coordinates.
func (s *Store) GetArtifact(_ context.Context, collectionID string, year, month int, region string) (harvest.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.data[harvest.ArtifactPath(collectionID, year, month, region)]
	if !ok {
		return harvest.Artifact{}, harvest.ErrNotFound
	}
	return a, nil
}

// Len reports how many artifacts are stored (test helper).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
