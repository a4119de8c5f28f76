package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/progress"
	"github.com/JakeFAU/news-pipeline/internal/store"
)

// StoreSink appends notebook outcomes to the run repository so a run's
// history can be inspected after it finishes.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume records NOTEBOOK_DONE and NOTEBOOK_ERROR events. Runs that no longer
// exist are skipped; other repository errors abort the batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		var status pipeline.RunStatus
		switch evt.Stage {
		case progress.StageNotebookDone:
			status = pipeline.RunSuccess
		case progress.StageNotebookError:
			status = pipeline.RunError
		default:
			continue
		}
		err := s.repo.RecordNotebook(ctx, evt.RunID, store.NotebookRun{
			Index:       evt.Index,
			Name:        evt.Notebook,
			Status:      status,
			Duration:    evt.Dur,
			ArtifactURI: evt.ArtifactURI,
			Digest:      evt.Digest,
			Error:       evt.Note,
			FinishedAt:  evt.TS,
		})
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("notebook event for unknown run", zap.String("run_id", evt.RunID))
			continue
		}
		if err != nil {
			return fmt.Errorf("record notebook: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
