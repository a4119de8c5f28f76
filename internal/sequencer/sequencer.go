// Package sequencer runs a stage's notebooks strictly in order and streams a
// progress value after each one.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-pipeline/internal/executor"
	"github.com/JakeFAU/news-pipeline/internal/notebook"
	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/progress"
	"github.com/JakeFAU/news-pipeline/internal/telemetry"
)

// Step is one parameterized notebook of a run.
type Step struct {
	Name     string
	Document *notebook.Document
}

// Run describes one invocation of a stage.
type Run struct {
	ID    string
	Stage pipeline.Stage
	Steps []Step
}

// Update is one progress value published on a Stream. The first update of
// every run has Index -1 and Progress 0.
type Update struct {
	RunID    string
	Stage    pipeline.Stage
	Index    int
	Total    int
	Notebook string
	Progress int
}

// Stream carries the updates of one run.
type Stream struct {
	updates chan Update
	done    chan struct{}
	err     error
}

// Updates is closed once the run ends.
func (s *Stream) Updates() <-chan Update {
	return s.updates
}

// Err blocks until the run ends and returns the failure, or nil on success.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Options configures a Sequencer.
type Options struct {
	Formula Formula
	Emitter progress.Emitter
	Clock   pipeline.Clock
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// Sequencer executes notebooks one at a time through an Executor.
type Sequencer struct {
	exec    executor.Executor
	formula Formula
	emitter progress.Emitter
	clock   pipeline.Clock
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New constructs a Sequencer.
func New(exec executor.Executor, opts Options) *Sequencer {
	if opts.Formula == "" {
		opts.Formula = FormulaObserved
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sequencer{
		exec:    exec,
		formula: opts.Formula,
		emitter: opts.Emitter,
		clock:   opts.Clock,
		tracer:  opts.Tracer,
		logger:  opts.Logger.Named("sequencer"),
	}
}

// Formula returns the progress formula in use.
func (s *Sequencer) Formula() Formula {
	return s.formula
}

// Run starts executing run in a new goroutine. The stream is buffered for
// every update of the run, so a slow consumer never stalls execution.
func (s *Sequencer) Run(ctx context.Context, run Run) *Stream {
	stream := &Stream{
		updates: make(chan Update, len(run.Steps)+1),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(stream.done)
		defer close(stream.updates)
		stream.err = s.run(ctx, run, stream.updates)
	}()
	return stream
}

func (s *Sequencer) run(ctx context.Context, run Run, out chan<- Update) error {
	total := len(run.Steps)
	ctx, span := s.tracer.Start(ctx, "sequencer.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.stage", string(run.Stage)),
		attribute.Int("run.notebooks", total),
	))
	defer span.End()

	out <- Update{RunID: run.ID, Stage: run.Stage, Index: -1, Total: total, Progress: 0}
	current := 0

	for i, step := range run.Steps {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("run %s stopped before %s: %w", run.ID, step.Name, err)
		}
		res, err := s.execute(ctx, run, i, step, current)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		current = s.formula.Progress(i, total)
		s.emit(progress.Event{
			RunID:       run.ID,
			Stage:       progress.StageNotebookDone,
			Pipeline:    run.Stage,
			Notebook:    step.Name,
			Index:       i,
			Total:       total,
			Progress:    current,
			Dur:         res.Duration,
			ArtifactURI: res.ArtifactURI,
			Digest:      res.Digest,
		})
		out <- Update{
			RunID:    run.ID,
			Stage:    run.Stage,
			Index:    i,
			Total:    total,
			Notebook: step.Name,
			Progress: current,
		}
	}
	return nil
}

func (s *Sequencer) execute(ctx context.Context, run Run, i int, step Step, current int) (executor.Result, error) {
	total := len(run.Steps)
	ctx, span := s.tracer.Start(ctx, "notebook.execute", trace.WithAttributes(
		attribute.String("notebook.name", step.Name),
		attribute.Int("notebook.index", i),
	))
	defer span.End()

	s.emit(progress.Event{
		RunID:    run.ID,
		Stage:    progress.StageNotebookStart,
		Pipeline: run.Stage,
		Notebook: step.Name,
		Index:    i,
		Total:    total,
		Progress: current,
	})
	fields := append([]zap.Field{
		zap.String("run_id", run.ID),
		zap.String("stage", string(run.Stage)),
		zap.String("notebook", step.Name),
		zap.Int("index", i),
	}, telemetry.TraceFields(ctx)...)
	s.logger.Info("notebook started", fields...)

	res, err := s.exec.Execute(ctx, executor.Notebook{
		RunID:    run.ID,
		Index:    i,
		Name:     step.Name,
		Document: step.Document,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.emit(progress.Event{
			RunID:    run.ID,
			Stage:    progress.StageNotebookError,
			Pipeline: run.Stage,
			Notebook: step.Name,
			Index:    i,
			Total:    total,
			Progress: pipeline.ProgressFailed,
			Dur:      res.Duration,
			Note:     err.Error(),
		})
		level := zap.ErrorLevel
		if errors.Is(err, context.Canceled) {
			level = zap.WarnLevel
		}
		s.logger.Log(level, "notebook failed", append(fields, zap.Error(err))...)
		return res, fmt.Errorf("run notebook %d/%d: %w", i+1, total, err)
	}
	s.logger.Info("notebook finished", append(fields,
		zap.Duration("duration", res.Duration),
		zap.String("artifact", res.ArtifactURI),
	)...)
	return res, nil
}

func (s *Sequencer) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	evt.TS = s.now()
	s.emitter.Emit(evt)
}

func (s *Sequencer) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
