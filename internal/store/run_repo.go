package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
)

var (
	// ErrNotFound signals that the requested run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrConflict signals a run ID that is already taken.
	ErrConflict = errors.New("run already exists")
)

// Defaults for ListRuns paging.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// StageRun models one invocation of a stage.
type StageRun struct {
	// ID is the UUID returned to the caller that queued the run.
	ID string `json:"id"`
	// Stage is the pipeline stage being executed.
	Stage pipeline.Stage `json:"stage"`
	// Status is queued, running, success or error.
	Status pipeline.RunStatus `json:"status"`
	// Progress is this run's own latest value, independent of other runs.
	Progress int `json:"progress"`
	// Notebook names the notebook most recently reported.
	Notebook string `json:"notebook,omitempty"`
	// Error holds the failure reason for runs in error.
	Error string `json:"error,omitempty"`
	// QueuedAt is when the API accepted the request.
	QueuedAt time.Time `json:"queued_at"`
	// StartedAt is nil while the run waits for a worker.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is nil until the run is terminal.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Notebooks lists the executed notebooks in order.
	Notebooks []NotebookRun `json:"notebooks,omitempty"`
}

// NotebookRun is the outcome of one notebook within a run.
type NotebookRun struct {
	Index       int                `json:"index"`
	Name        string             `json:"name"`
	Status      pipeline.RunStatus `json:"status"`
	Duration    time.Duration      `json:"duration_ns"`
	ArtifactURI string             `json:"artifact_uri,omitempty"`
	Digest      string             `json:"digest,omitempty"`
	Error       string             `json:"error,omitempty"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// RunFilter narrows ListRuns. Zero values mean no filter.
type RunFilter struct {
	Stage  pipeline.Stage
	Status pipeline.RunStatus
	Limit  int
	Offset int
}

// Normalize clamps paging values.
func (f RunFilter) Normalize() RunFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// RunRepository persists stage runs and the per-stage progress table.
//
// StageProgress is the latest value written for a stage by any of its runs:
// 0 before any run, 0 when a run starts, each update overwrites it, -1 after a
// failure and 0 after a success. Concurrent runs of one stage race on it.
type RunRepository interface {
	// CreateRun records a queued run.
	CreateRun(ctx context.Context, run StageRun) error
	// StartRun marks the run running and resets the stage progress to 0.
	StartRun(ctx context.Context, id string, at time.Time) error
	// UpdateProgress stores a new value for the run and its stage.
	UpdateProgress(ctx context.Context, id string, notebook string, progress int, at time.Time) error
	// RecordNotebook appends a notebook outcome to the run.
	RecordNotebook(ctx context.Context, id string, nb NotebookRun) error
	// CompleteRun marks the run terminal and settles the stage progress.
	CompleteRun(ctx context.Context, id string, status pipeline.RunStatus, errMsg string, at time.Time) error
	// DeleteRun discards a queued run that was never handed to a worker.
	DeleteRun(ctx context.Context, id string) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id string) (StageRun, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]StageRun, error)
	// StageProgress returns the stage progress table value.
	StageProgress(ctx context.Context, stage pipeline.Stage) (int, error)
}

// SettledProgress is the stage progress recorded when a run reaches status.
func SettledProgress(status pipeline.RunStatus) int {
	if status == pipeline.RunError {
		return pipeline.ProgressFailed
	}
	return pipeline.ProgressIdle
}
