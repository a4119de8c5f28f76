// Package stage builds the runner for each pipeline stage from its notebook
// templates.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-pipeline/internal/notebook"
	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/sequencer"
)

// ErrUnknownStage is returned for a stage without a registered runner.
var ErrUnknownStage = errors.New("stage has no runner")

// Runner starts one execution of a stage.
type Runner interface {
	Stage() pipeline.Stage
	Notebooks() []string
	Run(ctx context.Context, runID string) (*sequencer.Stream, error)
}

// Config describes where notebooks live and which values they receive.
type Config struct {
	NotebookDir string
	Layout      Layout
	Parameters  map[string]any
}

type builder func(s pipeline.Stage, cfg Config, seq *sequencer.Sequencer) (*NotebookRunner, error)

// builders maps every stage to its runner factory. grade reuses the
// summarization factory.
var builders = map[pipeline.Stage]builder{
	pipeline.StageScrape:           buildNotebookRunner,
	pipeline.StageSummarization:    buildSummarization,
	pipeline.StageGrade:            buildSummarization,
	pipeline.StageDigestGeneration: buildNotebookRunner,
}

func buildSummarization(s pipeline.Stage, cfg Config, seq *sequencer.Sequencer) (*NotebookRunner, error) {
	return buildNotebookRunner(s, cfg, seq)
}

// BuildRunner parses and validates every notebook of s and returns a runner
// that executes them when invoked.
func BuildRunner(s pipeline.Stage, cfg Config, seq *sequencer.Sequencer) (*NotebookRunner, error) {
	build, ok := builders[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
	return build(s, cfg, seq)
}

func buildNotebookRunner(s pipeline.Stage, cfg Config, seq *sequencer.Sequencer) (*NotebookRunner, error) {
	if seq == nil {
		return nil, errors.New("build runner: sequencer is required")
	}
	layout := cfg.Layout
	if layout == nil {
		layout = DefaultLayout()
	}
	paths, err := layout.Paths(cfg.NotebookDir, s)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}
	loader := notebook.NewLoader(cfg.Parameters)
	templates := make([]*notebook.Template, 0, len(paths))
	for _, p := range paths {
		tmpl, err := loader.Template(p)
		if err != nil {
			return nil, fmt.Errorf("build %s runner: %w", s, err)
		}
		templates = append(templates, tmpl)
	}
	return &NotebookRunner{
		stage:     s,
		templates: templates,
		loader:    loader,
		seq:       seq,
	}, nil
}

// NotebookRunner executes a fixed list of notebook templates in order.
type NotebookRunner struct {
	stage     pipeline.Stage
	templates []*notebook.Template
	loader    *notebook.Loader
	seq       *sequencer.Sequencer
}

// Stage returns the stage the runner was built for.
func (r *NotebookRunner) Stage() pipeline.Stage {
	return r.stage
}

// Notebooks returns the notebook paths in execution order.
func (r *NotebookRunner) Notebooks() []string {
	out := make([]string, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t.Path())
	}
	return out
}

// Run instantiates fresh copies of every template and starts the sequence.
func (r *NotebookRunner) Run(ctx context.Context, runID string) (*sequencer.Stream, error) {
	steps := make([]sequencer.Step, 0, len(r.templates))
	for _, t := range r.templates {
		doc, err := t.Instantiate(r.loader.Values())
		if err != nil {
			return nil, fmt.Errorf("instantiate %s: %w", t.Name(), err)
		}
		steps = append(steps, sequencer.Step{Name: t.Name(), Document: doc})
	}
	return r.seq.Run(ctx, sequencer.Run{ID: runID, Stage: r.stage, Steps: steps}), nil
}

// Registry holds one runner per stage.
type Registry struct {
	runners map[pipeline.Stage]Runner
}

// NewRegistry builds a runner for every stage. It fails on the first stage
// whose notebooks cannot be loaded.
func NewRegistry(cfg Config, seq *sequencer.Sequencer, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("stage")
	reg := &Registry{runners: make(map[pipeline.Stage]Runner, len(builders))}
	for _, s := range pipeline.Stages() {
		runner, err := BuildRunner(s, cfg, seq)
		if err != nil {
			return nil, err
		}
		reg.runners[s] = runner
		logger.Info("stage runner ready",
			zap.String("stage", string(s)),
			zap.Strings("notebooks", runner.Notebooks()),
		)
	}
	return reg, nil
}

// NewRegistryFromRunners wraps prebuilt runners.
func NewRegistryFromRunners(runners ...Runner) *Registry {
	reg := &Registry{runners: make(map[pipeline.Stage]Runner, len(runners))}
	for _, r := range runners {
		reg.runners[r.Stage()] = r
	}
	return reg
}

// Runner returns the runner for s.
func (r *Registry) Runner(s pipeline.Stage) (Runner, error) {
	runner, ok := r.runners[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
	return runner, nil
}

// Stages lists the registered stages in pipeline order.
func (r *Registry) Stages() []pipeline.Stage {
	out := make([]pipeline.Stage, 0, len(r.runners))
	for s := range r.runners {
		out = append(out, s)
	}
	order := map[pipeline.Stage]int{}
	for i, s := range pipeline.Stages() {
		order[s] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}
