// Package dispatcher accepts stage run requests and fans queued runs out to a
// pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-pipeline/internal/metrics"
	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/store"
	"github.com/JakeFAU/news-pipeline/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   pipeline.Queue
	runs    store.RunRepository
	ids     pipeline.IDGenerator
	clock   pipeline.Clock
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue pipeline.Queue,
	runs store.RunRepository,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	workers []*worker.Worker,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runs:    runs,
		ids:     ids,
		clock:   clock,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.logger.Info("workers started", zap.Int("count", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("workers stopped")
}

// Submit records a queued run for s and hands it to the workers. It does not
// wait for the run to start. A full queue fails with pipeline.ErrQueueFull and
// leaves no run behind.
func (d *Dispatcher) Submit(ctx context.Context, s pipeline.Stage) (store.StageRun, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return store.StageRun{}, fmt.Errorf("submit %s: %w", s, err)
	}
	run := store.StageRun{
		ID:       id,
		Stage:    s,
		Status:   pipeline.RunQueued,
		QueuedAt: d.now(),
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return store.StageRun{}, fmt.Errorf("create run: %w", err)
	}
	item := pipeline.QueueItem{RunID: id, Stage: s, Submitted: run.QueuedAt.Unix()}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		metrics.ObserveEnqueue(string(s), false)
		if delErr := d.runs.DeleteRun(context.WithoutCancel(ctx), id); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			d.logger.Warn("discard rejected run failed", zap.String("run_id", id), zap.Error(delErr))
		}
		return store.StageRun{}, fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.ObserveEnqueue(string(s), true)
	if q, ok := d.queue.(interface{ Len() int }); ok {
		metrics.SetQueueDepth(q.Len())
	}
	d.logger.Info("run queued", zap.String("run_id", id), zap.String("stage", string(s)))
	return run, nil
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}
