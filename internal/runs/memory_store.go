package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultMaxRuns = 1000

// MemoryStore keeps run records in memory. Once more than maxRuns are held, the
// oldest finished runs are evicted.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]Run
	order   []string
	maxRuns int
	now     func() time.Time
}

// NewMemoryStore constructs a MemoryStore. A non-positive maxRuns uses 1000.
func NewMemoryStore(maxRuns int) *MemoryStore {
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	return &MemoryStore{
		runs:    make(map[string]Run),
		maxRuns: maxRuns,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new run.
func (s *MemoryStore) Create(_ context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.Status == "" {
		run.Status = StatusQueued
	}
	if run.Created.IsZero() {
		run.Created = s.now()
	}
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	s.evictLocked()
	return nil
}

// MarkRunning moves a run to running and stamps its start time.
func (s *MemoryStore) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = StatusRunning
	if run.Started == nil {
		run.Started = pointerTime(s.now())
	}
	s.runs[id] = run
	return nil
}

// Finish records the terminal state of a run.
func (s *MemoryStore) Finish(_ context.Context, id string, result *Result, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Result = result
	run.Status = StatusSucceeded
	run.Error = ""
	if runErr != nil {
		run.Status = StatusFailed
		run.Error = runErr.Error()
	}
	now := s.now()
	if run.Started == nil {
		run.Started = pointerTime(now)
	}
	run.Finished = pointerTime(now)
	s.runs[id] = run
	return nil
}

// Get fetches a run by id.
func (s *MemoryStore) Get(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

// Len returns the number of stored runs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func (s *MemoryStore) evictLocked() {
	if len(s.runs) <= s.maxRuns {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if len(s.runs) > s.maxRuns && s.runs[id].Status.Terminal() {
			delete(s.runs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
