// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names one of the fixed pipeline phases.
type Stage string

// Supported pipeline stages. Grade shares its runner with Summarization.
const (
	StageScrape           Stage = "scrape"
	StageSummarization    Stage = "summarization"
	StageGrade            Stage = "grade"
	StageDigestGeneration Stage = "digest_generation"
)

// routePrefix is prepended to stage names in the legacy run endpoints and
// progress table keys (run_scrape, run_grade, ...).
const routePrefix = "run_"

// ErrInvalidStage is returned when a name does not map to a known Stage.
var ErrInvalidStage = errors.New("invalid stage")

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{StageScrape, StageSummarization, StageGrade, StageDigestGeneration}
}

// ParseStage accepts both the bare stage name and the run_-prefixed form.
func ParseStage(name string) (Stage, error) {
	trimmed := strings.TrimPrefix(name, routePrefix)
	for _, s := range Stages() {
		if string(s) == trimmed {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStage, name)
}

// RouteName returns the run_-prefixed key used by the HTTP endpoints.
func (s Stage) RouteName() string {
	return routePrefix + string(s)
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	_, err := ParseStage(string(s))
	return err == nil && !strings.HasPrefix(string(s), routePrefix)
}

// RunStatus represents the lifecycle state of a stage run.
type RunStatus string

// Run status values persisted in the run repository.
const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunError
}

// Progress values reported for a stage outside of a running sequence.
const (
	// ProgressIdle is reported before any run and after a successful one.
	ProgressIdle = 0
	// ProgressFailed marks the last run of a stage as failed.
	ProgressFailed = -1
)

// QueueItem wraps a stage run ready to execute.
type QueueItem struct {
	RunID     string
	Stage     Stage
	Submitted int64
}
