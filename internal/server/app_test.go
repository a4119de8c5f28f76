package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-pipeline/internal/config"
	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/stage"
	memorystorage "github.com/JakeFAU/news-pipeline/internal/storage/memory"
)

const testToken = "s3cret"

const notebookJSON = `{"cells": [
  {"cell_type": "code", "metadata": {"tags": ["parameters"]}, "outputs": [], "execution_count": null, "source": "max_articles = 3\n"}
], "metadata": {}, "nbformat": 4, "nbformat_minor": 5}`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	for _, paths := range stage.DefaultLayout() {
		for _, p := range paths {
			full := filepath.Join(dir, p)
			require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
			require.NoError(t, os.WriteFile(full, []byte(notebookJSON), 0o600))
		}
	}
	var cfg config.Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.RequestTimeoutSeconds = 5
	cfg.Server.ShutdownTimeoutSeconds = 5
	cfg.Auth.Token = testToken
	cfg.Pipeline.NotebookDir = dir
	cfg.Pipeline.ScratchDir = t.TempDir()
	// false(1) ignores its arguments and exits 1, so every run fails.
	cfg.Pipeline.Command = []string{"false"}
	cfg.Pipeline.TimeoutSeconds = 10
	cfg.Pipeline.Concurrency = 1
	cfg.Pipeline.QueueDepth = 4
	cfg.Storage.Backend = "none"
	cfg.Progress.Batch.MaxWaitMs = 10
	cfg.Parameters = map[string]any{"max_articles": 5}
	return cfg
}

func get(t *testing.T, h http.Handler, target string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestBuildServesEveryStage(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.Equal(t, pipeline.Stages(), app.Stages())

	code, body := get(t, app.Handler(), "/progress/run_scrape?token="+testToken)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "run_scrape", body["step"])
	require.EqualValues(t, 0, body["progress"])

	code, _ = get(t, app.Handler(), "/progress/scrape?token=wrong")
	require.Equal(t, http.StatusForbidden, code)
}

func TestBuildArchivesOnlyWhenConfigured(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })
	require.Nil(t, app.blobs)

	cfg := testConfig(t)
	cfg.Storage.Backend = "memory"
	archiving, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, archiving.Close(context.Background())) })
	require.IsType(t, &memorystorage.BlobStore{}, archiving.blobs)
}

func TestBuildFailsOnMissingNotebook(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	require.NoError(t, os.Remove(filepath.Join(cfg.Pipeline.NotebookDir, "digest_generation", "didgest.ipynb")))

	_, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "stage registry init failed")
}

func TestBuildRejectsUnknownFormula(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Pipeline.ProgressFormula = "linear"
	_, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "progress formula")
}

func TestRunRecordsFailedNotebook(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	code, body := get(t, app.Handler(), "/run_digest_generation?token="+testToken)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Run the digest generation notebook", body["status"])
	runID, ok := body["run_id"].(string)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, progress := get(t, app.Handler(), "/progress/digest_generation?token="+testToken)
		return progress["progress"] == float64(-1)
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, body := get(t, app.Handler(), "/runs/"+runID+"?token="+testToken)
		run, ok := body["run"].(map[string]any)
		return ok && run["status"] == "error"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
}
