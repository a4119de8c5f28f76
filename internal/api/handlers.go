package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-pipeline/internal/id/uuid"
	"github.com/JakeFAU/news-pipeline/internal/metrics"
	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/store"
)

const storeTimeout = 3 * time.Second

// statusMessages are the static "status" strings returned when a run is queued.
var statusMessages = map[pipeline.Stage]string{
	pipeline.StageScrape:           "Scrape notebook execution started",
	pipeline.StageSummarization:    "Summarization notebook execution started",
	pipeline.StageGrade:            "Run the grade notebook",
	pipeline.StageDigestGeneration: "Run the digest generation notebook",
}

type runResponse struct {
	Status    string   `json:"status"`
	Notebooks []string `json:"notebooks"`
	Message   string   `json:"message"`
	RunID     string   `json:"run_id"`
}

type progressResponse struct {
	Step     string `json:"step"`
	Progress int    `json:"progress"`
}

// runStage handles GET /run_{stage}. The run is queued and the response is
// returned without waiting for it to start.
func (s *Server) runStage(st pipeline.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.admitter != nil && !s.admitter.Allow(string(st)) {
			metrics.ObserveEnqueue(string(st), false)
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		run, err := s.submitter.Submit(r.Context(), st)
		if err != nil {
			if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrQueueClosed) {
				s.logger.Warn("run rejected", zap.String("stage", string(st)), zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "Too many runs in progress")
				return
			}
			s.logger.Error("submit run failed", zap.String("stage", string(st)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to queue run")
			return
		}
		writeJSON(w, http.StatusOK, runResponse{
			Status:    statusMessages[st],
			Notebooks: []string{},
			Message:   "",
			RunID:     run.ID,
		})
	}
}

// getProgress handles GET /progress/{step}. step is a stage name with or
// without the run_ prefix and is echoed back unchanged.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	step := chi.URLParam(r, "step")
	st, err := pipeline.ParseStage(step)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid step")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	value, err := s.runs.StageProgress(ctx, st)
	if err != nil {
		s.logger.Error("read stage progress failed", zap.String("stage", string(st)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read progress")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{Step: step, Progress: value})
}

// getRun handles GET /runs/{run_id}: 400 for malformed ids, 404 for unknown runs.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// listRuns handles GET /runs?stage=&status=&limit=&offset=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	runs, err := s.runs.ListRuns(ctx, filter)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.StageRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func parseRunFilter(r *http.Request) (store.RunFilter, error) {
	q := r.URL.Query()
	filter := store.RunFilter{}
	if raw := strings.TrimSpace(q.Get("stage")); raw != "" {
		st, err := pipeline.ParseStage(raw)
		if err != nil {
			return store.RunFilter{}, errors.New("invalid stage")
		}
		filter.Stage = st
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			return store.RunFilter{}, err
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return store.RunFilter{}, errors.New("invalid limit")
		}
		filter.Limit = val
	}
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return store.RunFilter{}, errors.New("invalid offset")
		}
		filter.Offset = val
	}
	return filter.Normalize(), nil
}

func parseStatus(input string) (pipeline.RunStatus, error) {
	switch strings.ToLower(input) {
	case "queued":
		return pipeline.RunQueued, nil
	case "running":
		return pipeline.RunRunning, nil
	case "success", "succeeded":
		return pipeline.RunSuccess, nil
	case "error", "failed", "failure":
		return pipeline.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}
