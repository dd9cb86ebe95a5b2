package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 50

// Store is the durable record of job state.
type Store interface {
	Create(ctx context.Context, source string, format Format, quality Quality, origin Origin) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// Update merges p into the job. Terminal jobs are immutable (ErrTerminal).
	Update(ctx context.Context, id string, p Patch) (*Job, error)
	// List returns jobs newest first.
	List(ctx context.Context, f Filter, limit int) ([]*Job, error)
	Stats(ctx context.Context) (Stats, error)
	Delete(ctx context.Context, id string) (bool, error)
	// Sweep deletes terminal jobs created more than maxAge ago and returns how many.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

func newJob(source string, format Format, quality Quality, origin Origin, now time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Progress:  0,
		Stage:     "Starting...",
		Source:    source,
		Format:    format,
		Quality:   quality,
		Origin:    origin,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MemoryStore keeps jobs in process memory. Jobs are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, source string, format Format, quality Quality, origin Origin) (*Job, error) {
	j := newJob(source, format, quality, origin, s.now().UTC())
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return j.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, p Patch) (*Job, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status.Terminal() {
		return nil, ErrTerminal
	}
	p.Apply(j, s.now().UTC())
	return j.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.match(j) {
			out = append(out, j.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	st := newStats()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		st.add(j.Status, j.Origin, 1)
	}
	return st, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *MemoryStore) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
