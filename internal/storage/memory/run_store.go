package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/store"
)

// RunStore is an in-memory store.RunRepository for development and tests.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]*store.StageRun
	stage map[pipeline.Stage]int
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[string]*store.StageRun),
		stage: make(map[pipeline.Stage]int),
	}
}

// CreateRun stores a new run in queued status.
func (s *RunStore) CreateRun(_ context.Context, run store.StageRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("create run %s: %w", run.ID, store.ErrConflict)
	}
	if run.Status == "" {
		run.Status = pipeline.RunQueued
	}
	run.Notebooks = append([]store.NotebookRun(nil), run.Notebooks...)
	s.runs[run.ID] = &run
	return nil
}

// StartRun marks the run running and resets its stage to 0.
func (s *RunStore) StartRun(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.lookup(id)
	if err != nil {
		return err
	}
	run.Status = pipeline.RunRunning
	run.Progress = pipeline.ProgressIdle
	run.StartedAt = pointerTime(at)
	s.stage[run.Stage] = pipeline.ProgressIdle
	return nil
}

// UpdateProgress overwrites the run and stage progress.
func (s *RunStore) UpdateProgress(_ context.Context, id string, notebook string, progress int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.lookup(id)
	if err != nil {
		return err
	}
	run.Progress = progress
	if notebook != "" {
		run.Notebook = notebook
	}
	s.stage[run.Stage] = progress
	return nil
}

// RecordNotebook appends a notebook outcome.
func (s *RunStore) RecordNotebook(_ context.Context, id string, nb store.NotebookRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.lookup(id)
	if err != nil {
		return err
	}
	run.Notebooks = append(run.Notebooks, nb)
	return nil
}

// CompleteRun settles the run and its stage progress.
func (s *RunStore) CompleteRun(
	_ context.Context,
	id string,
	status pipeline.RunStatus,
	errMsg string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.lookup(id)
	if err != nil {
		return err
	}
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = pointerTime(at)
	run.Progress = store.SettledProgress(status)
	s.stage[run.Stage] = run.Progress
	return nil
}

// DeleteRun removes a run without touching the stage progress.
func (s *RunStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(id); err != nil {
		return err
	}
	delete(s.runs, id)
	return nil
}

// GetRun returns a copy of the run.
func (s *RunStore) GetRun(_ context.Context, id string) (store.StageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, err := s.lookup(id)
	if err != nil {
		return store.StageRun{}, err
	}
	return clone(run), nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, filter store.RunFilter) ([]store.StageRun, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	matched := make([]store.StageRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Stage != "" && run.Stage != filter.Stage {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, clone(run))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].QueuedAt.Equal(matched[j].QueuedAt) {
			return matched[i].QueuedAt.After(matched[j].QueuedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if filter.Offset >= len(matched) {
		return []store.StageRun{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// StageProgress returns the progress table value, 0 for stages never run.
func (s *RunStore) StageProgress(_ context.Context, stage pipeline.Stage) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage[stage], nil
}

func (s *RunStore) lookup(id string) (*store.StageRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run, nil
}

func clone(run *store.StageRun) store.StageRun {
	out := *run
	out.Notebooks = append([]store.NotebookRun(nil), run.Notebooks...)
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
