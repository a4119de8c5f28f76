package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported event stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageNotebookStart Stage = "NOTEBOOK_START"
	StageNotebookDone  Stage = "NOTEBOOK_DONE"
	StageNotebookError Stage = "NOTEBOOK_ERROR"
)

// Terminal reports whether the stage closes a run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunError
}

// Notebook reports whether the stage describes a single notebook.
func (s Stage) Notebook() bool {
	return s == StageNotebookStart || s == StageNotebookDone || s == StageNotebookError
}

// Event captures one milestone of a stage run.
type Event struct {
	// RunID is the UUID of the stage run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage is the milestone.
	Stage Stage
	// Pipeline is the pipeline stage the run belongs to.
	Pipeline pipeline.Stage
	// Notebook names the notebook for NOTEBOOK_* events.
	Notebook string
	// Index is the notebook position within the run.
	Index int
	// Total is the number of notebooks in the run.
	Total int
	// Progress is the value reported after the milestone.
	Progress int
	// Dur is the notebook or run duration for completion events.
	Dur time.Duration
	// ArtifactURI points at the archived executed notebook, if any.
	ArtifactURI string
	// Digest is the sha256 of the executed notebook for NOTEBOOK_DONE.
	Digest string
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if _, err := uuid.Parse(e.RunID); err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.Pipeline.Valid() {
		return fmt.Errorf("unknown pipeline stage %q", e.Pipeline)
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageNotebookStart, StageNotebookDone, StageNotebookError:
		if e.Notebook == "" {
			return fmt.Errorf("%s requires notebook", e.Stage)
		}
		if e.Index < 0 {
			return errors.New("index must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
