package api

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/culapack/internal/harness"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run is the public state of a submitted job.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	Object      string          `json:"object"`
	Status      string          `json:"status"`
	Job         harness.Job     `json:"job"`
	Result      *harness.Result `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	CompletedAt *int64          `json:"completed_at,omitempty"`
}

type runRecord struct {
	run    Run
	cancel context.CancelFunc
	done   chan struct{}
}

// RunStore keeps every run until it is deleted.
type RunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*runRecord
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]*runRecord)}
}

// Create records a running job. cancel stops it.
func (s *RunStore) Create(job harness.Job, cancel context.CancelFunc, now time.Time) Run {
	rec := &runRecord{
		run: Run{
			ID:        uuid.New(),
			Object:    "run",
			Status:    StatusRunning,
			Job:       job,
			CreatedAt: now.Unix(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.runs[rec.run.ID] = rec
	s.mu.Unlock()
	return rec.run
}

// Finish stores the outcome of a run. A run that was cancelled stays
// cancelled.
func (s *RunStore) Finish(id uuid.UUID, res harness.Result, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok || rec.run.Status != StatusRunning {
		return
	}
	completedAt := now.Unix()
	rec.run.CompletedAt = &completedAt
	if err != nil {
		rec.run.Status, rec.run.Error = StatusFailed, err.Error()
	} else {
		rec.run.Status, rec.run.Result = StatusCompleted, &res
	}
	close(rec.done)
}

func (s *RunStore) Get(id uuid.UUID) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return rec.run, true
}

// Done returns a channel closed when the run finishes.
func (s *RunStore) Done(id uuid.UUID) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	return rec.done, true
}

// Delete cancels the run if it is still going and forgets it.
func (s *RunStore) Delete(id uuid.UUID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return false
	}
	if rec.run.Status == StatusRunning {
		completedAt := now.Unix()
		rec.run.Status, rec.run.CompletedAt = StatusCancelled, &completedAt
		close(rec.done)
	}
	rec.cancel()
	delete(s.runs, id)
	return true
}

// List returns every run, oldest first.
func (s *RunStore) List() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, rec.run)
	}
	slices.SortFunc(out, func(a, b Run) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}
