package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps results and runs in process memory. It backs tests and
// single-shot CLI runs without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*Result
	runs    map[string]*RunRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]*Result),
		runs:    make(map[string]*RunRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, result *Result) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "upsert", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result.CreatedAt, result.UpdatedAt = now, now
	if prev, ok := s.results[result.DocumentID]; ok {
		result.CreatedAt = prev.CreatedAt
	}
	s.results[result.DocumentID] = cloneResult(result)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, documentID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneResult(r), nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]Summary, int, error) {
	s.mu.RLock()
	all := make([]Summary, 0, len(s.results))
	for _, r := range s.results {
		all = append(all, summarize(r))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].DocumentID < all[j].DocumentID
	})

	total := len(all)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) Delete(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[documentID]; !ok {
		return ErrNotFound
	}
	delete(s.results, documentID)
	delete(s.runs, documentID)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "save run", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	run.CreatedAt, run.UpdatedAt = now, now
	if prev, ok := s.runs[run.DocumentID]; ok {
		run.CreatedAt = prev.CreatedAt
	}
	copied := *run
	s.runs[run.DocumentID] = &copied
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, documentID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *MemoryStore) ListRedrivable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]*RunRecord, error) {
	s.mu.RLock()
	var runs []*RunRecord
	for _, run := range s.runs {
		if run.redrivable(maxAttempts, staleBefore) {
			copied := *run
			runs = append(runs, &copied)
		}
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].UpdatedAt.Equal(runs[j].UpdatedAt) {
			return runs[i].UpdatedAt.Before(runs[j].UpdatedAt)
		}
		return runs[i].DocumentID < runs[j].DocumentID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, documentID string) error {
	s.mu.Lock()
	delete(s.runs, documentID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
