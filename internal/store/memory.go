package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gttdesk/internal/domain"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps plans and events in process memory. Plans are cloned on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	plans  map[string]*domain.Plan
	events map[string][]domain.Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:  make(map[string]*domain.Plan),
		events: make(map[string][]domain.Event),
	}
}

func (s *MemoryStore) SavePlan(_ context.Context, p *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.Clone())
	}
	sortPlans(out)
	return out, nil
}

func (s *MemoryStore) DeletePlan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	delete(s.plans, id)
	return nil
}

func (s *MemoryStore) Append(_ context.Context, events ...domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.events[ev.PlanID] = append(s.events[ev.PlanID], ev)
	}
	return nil
}

func (s *MemoryStore) Events(_ context.Context, planID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Event(nil), s.events[planID]...), nil
}

func (s *MemoryStore) Close() error { return nil }

func sortPlans(plans []*domain.Plan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if !plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].CreatedAt.Before(plans[j].CreatedAt)
		}
		return plans[i].ID < plans[j].ID
	})
}
