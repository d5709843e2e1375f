package api

import (
	"slices"
	"sync"
)

const defaultStoreLimit = 256

// StepStore keeps the most recent train step responses by ID.
type StepStore struct {
	mu    sync.Mutex
	limit int
	order []string
	steps map[string]TrainResponse
}

func NewStepStore(limit int) *StepStore {
	if limit <= 0 {
		limit = defaultStoreLimit
	}
	return &StepStore{
		limit: limit,
		steps: make(map[string]TrainResponse),
	}
}

// Save stores resp, evicting the oldest entry once the store is full.
func (s *StepStore) Save(resp TrainResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.steps[resp.ID] = resp
	for len(s.order) > s.limit {
		delete(s.steps, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *StepStore) Get(id string) (TrainResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.steps[id]
	return resp, ok
}

func (s *StepStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[id]; !ok {
		return false
	}
	delete(s.steps, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

// List returns the stored responses, oldest first.
func (s *StepStore) List() []TrainResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrainResponse, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.steps[id])
	}
	return out
}
