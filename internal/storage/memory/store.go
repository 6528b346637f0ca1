// Package memory keeps reviews and job results in process memory.
// It backs tests and the STORE_DRIVER=memory mode.
package memory

import (
	"context"
	"sort"
	"sync"

	"reviewhub/internal/domain"
)

var (
	_ domain.ReviewRepository = (*Store)(nil)
	_ domain.JobRecorder      = (*Store)(nil)
)

type Store struct {
	mu      sync.RWMutex
	reviews map[string]domain.StoredReview
	jobs    map[string]domain.JobResult
}

func NewStore() *Store {
	return &Store{
		reviews: make(map[string]domain.StoredReview),
		jobs:    make(map[string]domain.JobResult),
	}
}

func (s *Store) Get(_ context.Context, key string) (*domain.StoredReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.reviews[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) Put(_ context.Context, key string, e domain.StoredReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[key] = e
	return nil
}

// Len is the number of stored reviews.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reviews)
}

// ListReviews returns a business's reviews, newest first.
func (s *Store) ListReviews(_ context.Context, businessID string, pg domain.PageQuery) (domain.ReviewsPage, error) {
	s.mu.RLock()
	items := make([]domain.CanonicalReview, 0)
	for _, e := range s.reviews {
		r := e.Review
		if r.BusinessID != businessID || (pg.Source != "" && r.Source != pg.Source) {
			continue
		}
		items = append(items, r)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].PublishedAt.Equal(items[j].PublishedAt) {
			return items[i].PublishedAt.After(items[j].PublishedAt)
		}
		return items[i].Key < items[j].Key
	})
	if pg.Limit > 0 && len(items) > pg.Limit {
		items = items[:pg.Limit]
	}
	return domain.ReviewsPage{Items: items}, nil
}

func (s *Store) SaveJob(_ context.Context, res domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[res.ID] = res.Clone()
	return nil
}

func (s *Store) LoadJob(_ context.Context, id string) (domain.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.jobs[id]
	if !ok {
		return domain.JobResult{}, domain.ErrNotFound
	}
	return res.Clone(), nil
}
