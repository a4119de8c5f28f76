// Package worker executes queued stage runs and records their progress.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-pipeline/internal/metrics"
	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/progress"
	"github.com/JakeFAU/news-pipeline/internal/stage"
	"github.com/JakeFAU/news-pipeline/internal/store"
)

const finalizeTimeout = 10 * time.Second

// RunnerSource resolves the runner for a stage.
type RunnerSource interface {
	Runner(s pipeline.Stage) (stage.Runner, error)
}

type lengther interface {
	Len() int
}

// Worker consumes queue items and drives each stage run to completion.
type Worker struct {
	id      int
	queue   pipeline.Queue
	runners RunnerSource
	runs    store.RunRepository
	emitter progress.Emitter
	clock   pipeline.Clock
	logger  *zap.Logger
}

// New constructs a Worker. emitter and clock are optional.
func New(
	id int,
	queue pipeline.Queue,
	runners RunnerSource,
	runs store.RunRepository,
	emitter progress.Emitter,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		runners: runners,
		runs:    runs,
		emitter: emitter,
		clock:   clock,
		logger:  logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if q, ok := w.queue.(lengther); ok {
			metrics.SetQueueDepth(q.Len())
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID), zap.String("stage", string(item.Stage)))
		w.process(ctx, item)
	}
}

// process executes one run. Store writes use a context that survives
// shutdown so a cancelled run is still recorded as failed.
func (w *Worker) process(ctx context.Context, item pipeline.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	persistCtx := context.WithoutCancel(ctx)
	logger := w.logger.With(zap.String("run_id", item.RunID), zap.String("stage", string(item.Stage)))
	start := w.now()

	if err := w.runs.StartRun(persistCtx, item.RunID, start); err != nil {
		logger.Error("start run failed", zap.Error(err))
		return
	}

	runner, err := w.runners.Runner(item.Stage)
	if err != nil {
		w.finish(persistCtx, logger, item, 0, start, err)
		return
	}
	total := len(runner.Notebooks())
	w.emit(progress.Event{
		RunID:    item.RunID,
		Stage:    progress.StageRunStart,
		Pipeline: item.Stage,
		Total:    total,
	})
	logger.Info("run started", zap.Int("notebooks", total))

	stream, err := runner.Run(ctx, item.RunID)
	if err != nil {
		w.finish(persistCtx, logger, item, total, start, err)
		return
	}
	for update := range stream.Updates() {
		if err := w.runs.UpdateProgress(persistCtx, item.RunID, update.Notebook, update.Progress, w.now()); err != nil {
			logger.Warn("update progress failed", zap.Int("progress", update.Progress), zap.Error(err))
			continue
		}
		logger.Debug("progress",
			zap.String("notebook", update.Notebook),
			zap.Int("index", update.Index),
			zap.Int("progress", update.Progress),
		)
	}
	w.finish(persistCtx, logger, item, total, start, stream.Err())
}

func (w *Worker) finish(
	ctx context.Context,
	logger *zap.Logger,
	item pipeline.QueueItem,
	total int,
	start time.Time,
	runErr error,
) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	status := pipeline.RunSuccess
	evtStage := progress.StageRunDone
	errMsg := ""
	if runErr != nil {
		status = pipeline.RunError
		evtStage = progress.StageRunError
		errMsg = runErr.Error()
	}
	now := w.now()
	if err := w.runs.CompleteRun(ctx, item.RunID, status, errMsg, now); err != nil {
		logger.Error("complete run failed", zap.String("status", string(status)), zap.Error(err))
	}
	dur := now.Sub(start)
	if dur < 0 {
		dur = 0
	}
	w.emit(progress.Event{
		RunID:    item.RunID,
		Stage:    evtStage,
		Pipeline: item.Stage,
		Total:    total,
		Progress: store.SettledProgress(status),
		Dur:      dur,
		Note:     errMsg,
	})
	if runErr != nil {
		logger.Error("run failed", zap.Duration("duration", dur), zap.Error(runErr))
		return
	}
	logger.Info("run finished", zap.Duration("duration", dur))
}

func (w *Worker) emit(evt progress.Event) {
	if w.emitter == nil {
		return
	}
	evt.TS = w.now()
	w.emitter.Emit(evt)
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
