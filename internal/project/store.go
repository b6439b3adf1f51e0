package project

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when no project exists for an id.
	ErrNotFound = errors.New("project not found")

	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("project already exists")
)

// Store is the persistence abstraction for project records.
// Implementations can be in-memory, file-based, or SQLite.
// Every method returns copies; callers never share state with the store.
type Store interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	// List returns all projects, newest first.
	List(ctx context.Context) ([]*Project, error)
	// Update applies fn to the current record and persists the result.
	// The read-modify-write is atomic with respect to other Updates on the same id.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, id string, fn func(*Project) error) (*Project, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*Project)}
}

// Create implements Store.Create.
func (s *MemoryStore) Create(_ context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[p.ID]; ok {
		return ErrExists
	}
	s.projects[p.ID] = p.Clone()
	return nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(_ context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// List implements Store.List.
func (s *MemoryStore) List(_ context.Context) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

// Update implements Store.Update.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Project) error) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.projects[id] = next
	return next.Clone(), nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func sortNewestFirst(ps []*Project) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.After(ps[j].CreatedAt)
	})
}
