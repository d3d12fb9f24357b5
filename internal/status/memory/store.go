// Package memory provides an in-memory status store for development/testing.
package memory

import (
	"context"
	"sync"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

type revisioned struct {
	doc harvest.Collection
	rev harvest.Revision
}

// Store implements harvest.StatusStore with revision-counter conditional
// writes, mirroring the semantics of object-generation preconditions.
type Store struct {
	mu          sync.RWMutex
	collections map[string]revisioned
	tasks       map[string]harvest.TaskStatus
}

// New constructs a Store.
func New() *Store {
	return &Store{
		collections: make(map[string]revisioned),
		tasks:       make(map[string]harvest.TaskStatus),
	}
}

// CreateCollection stores a new aggregate document.
func (s *Store) CreateCollection(_ context.Context, c harvest.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collections[c.ID]; exists {
		return harvest.ErrAlreadyExists
	}
	s.collections[c.ID] = revisioned{doc: clone(c), rev: 1}
	return nil
}

// GetCollection fetches an aggregate and its revision.
func (s *Store) GetCollection(_ context.Context, collectionID string) (harvest.Collection, harvest.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.collections[collectionID]
	if !ok {
		return harvest.Collection{}, 0, harvest.ErrNotFound
	}
	return clone(entry.doc), entry.rev, nil
}

// PutCollection overwrites an aggregate when the revision still matches.
func (s *Store) PutCollection(_ context.Context, c harvest.Collection, rev harvest.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.collections[c.ID]
	if !ok {
		return harvest.ErrNotFound
	}
	if entry.rev != rev {
		return harvest.ErrRevisionMismatch
	}
	s.collections[c.ID] = revisioned{doc: clone(c), rev: rev + 1}
	return nil
}

// PutTask creates or overwrites a task status document.
func (s *Store) PutTask(_ context.Context, t harvest.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.APICallID] = t
	return nil
}

// GetTask fetches one task status document.
func (s *Store) GetTask(_ context.Context, apiCallID string) (harvest.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[apiCallID]
	if !ok {
		return harvest.TaskStatus{}, harvest.ErrNotFound
	}
	return t, nil
}

// ListTasks returns all task statuses for a collection.
func (s *Store) ListTasks(_ context.Context, collectionID string) ([]harvest.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.TaskStatus
	for _, t := range s.tasks {
		if t.CollectionID == collectionID {
			out = append(out, t)
		}
	}
	return out, nil
}

// clone copies the document's map state so callers never alias stored
// documents, matching the serialization boundary of the durable backends.
func clone(c harvest.Collection) harvest.Collection {
	if c.CountedUnits != nil {
		units := make(map[string]bool, len(c.CountedUnits))
		for k, v := range c.CountedUnits {
			units[k] = v
		}
		c.CountedUnits = units
	}
	return c
}
