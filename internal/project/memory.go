package project

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store, selected with PROJECTS_BACKEND=memory.
// Contents are lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[string]Project
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]Project)}
}

func (s *MemoryStore) ListPublished(ctx context.Context) ([]Project, error) {
	return s.list(true), nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]Project, error) {
	return s.list(false), nil
}

func (s *MemoryStore) list(publishedOnly bool) []Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		if publishedOnly && !p.Published {
			continue
		}
		p.Tags = slices.Clone(p.Tags)
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].Position != projects[j].Position {
			return projects[i].Position < projects[j].Position
		}
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects
}

func (s *MemoryStore) Create(ctx context.Context, input ProjectInput) (Project, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Project{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	position := 0
	for _, p := range s.projects {
		if p.Position >= position {
			position = p.Position + 1
		}
	}

	now := time.Now().UTC()
	p := apply(Project{ID: id.String(), Position: position, CreatedAt: now}, input, now)
	s.projects[p.ID] = p
	return p, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, input ProjectInput) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	p = apply(p, input, time.Now().UTC())
	s.projects[id] = p
	return p, nil
}

func (s *MemoryStore) SetPublished(ctx context.Context, id string, published bool) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	p.Published = published
	p.UpdatedAt = time.Now().UTC()
	s.projects[id] = p
	return p, nil
}

func (s *MemoryStore) Reorder(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.projects[id]; !ok {
			return ErrNotFound
		}
	}

	now := time.Now().UTC()
	for position, id := range ids {
		p := s.projects[id]
		p.Position = position
		p.UpdatedAt = now
		s.projects[id] = p
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func apply(p Project, input ProjectInput, now time.Time) Project {
	p.Title = input.Title
	p.Summary = input.Summary
	p.Description = input.Description
	p.URL = input.URL
	p.RepoURL = input.RepoURL
	p.ImageURL = input.ImageURL
	p.Tags = slices.Clone(input.Tags)
	if p.Tags == nil {
		p.Tags = []string{}
	}
	p.Published = input.Published
	p.UpdatedAt = now
	return p
}
