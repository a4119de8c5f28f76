package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/news-pipeline/internal/progress"
)

// PrometheusSink exports run and notebook metrics.
type PrometheusSink struct {
	runsStarted      *prometheus.CounterVec
	runsCompleted    *prometheus.CounterVec
	runsRunning      prometheus.Gauge
	runRuntime       *prometheus.HistogramVec
	notebookDuration *prometheus.HistogramVec
	stageProgress    *prometheus.GaugeVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_started_total",
			Help: "Stage runs that have started.",
		}, []string{"stage"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_completed_total",
			Help: "Stage runs completed partitioned by result.",
		}, []string{"stage", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_runs_running",
			Help: "Stage runs currently executing.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Wall time per completed stage run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"stage", "result"}),
		notebookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_notebook_duration_seconds",
			Help:    "Execution time per notebook.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "notebook", "result"}),
		stageProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stage_progress",
			Help: "Latest progress value reported per stage (-1 after a failure).",
		}, []string{"stage"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.notebookDuration,
		s.stageProgress,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	stage := string(evt.Pipeline)
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(stage).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		s.stageProgress.WithLabelValues(stage).Set(float64(evt.Progress))
	case progress.StageRunDone, progress.StageRunError:
		result := resultLabel(evt.Stage)
		s.runsCompleted.WithLabelValues(stage, result).Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(stage, result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
		s.stageProgress.WithLabelValues(stage).Set(float64(evt.Progress))
	case progress.StageNotebookDone, progress.StageNotebookError:
		s.notebookDuration.WithLabelValues(stage, evt.Notebook, resultLabel(evt.Stage)).Observe(evt.Dur.Seconds())
		if evt.Stage == progress.StageNotebookDone {
			s.stageProgress.WithLabelValues(stage).Set(float64(evt.Progress))
		}
	}
}

func resultLabel(stage progress.Stage) string {
	if stage == progress.StageRunError || stage == progress.StageNotebookError {
		return "error"
	}
	return "success"
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
