package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
server:
  host: 127.0.0.1
  port: 9090
auth:
  token: secret
logging:
  development: true
pipeline:
  notebook_dir: /srv/notebooks
  command: ["python", "-m", "papermill"]
  timeout_seconds: 120
  concurrency: 2
  queue_depth: 8
  progress_formula: completed
  stages:
    run_scrape: ["scrape/rss.ipynb"]
storage:
  backend: gcs
  bucket: executed-notebooks
database:
  dsn: postgres://pipeline@localhost/pipeline
  max_conns: 8
pubsub:
  project_id: news
  topic_name: stage-runs
parameters:
  LANGCHAIN_PROJECT: nlmk_bot
  max_articles: 5
  gsheet_handler_lib_path: lib/gsheet_handler.py
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9090", cfg.Addr())
	require.Equal(t, "secret", cfg.Auth.Token)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, []string{"python", "-m", "papermill"}, cfg.Pipeline.Command)
	require.Equal(t, 120*time.Second, cfg.NotebookTimeout())
	require.Equal(t, 2, cfg.Pipeline.Concurrency)
	require.Equal(t, "completed", cfg.Pipeline.ProgressFormula)
	require.Equal(t, []string{"scrape/rss.ipynb"}, cfg.Pipeline.Stages["run_scrape"])
	require.Equal(t, "gcs", cfg.Storage.Backend)
	require.Equal(t, "executed", cfg.Storage.Prefix)
	require.Equal(t, int32(8), cfg.Database.MaxConns)
	require.Equal(t, "stage-runs", cfg.PubSub.TopicName)

	require.Equal(t, "nlmk_bot", cfg.Parameters["LANGCHAIN_PROJECT"])
	require.Equal(t, 5, cfg.Parameters["max_articles"])
	lib, ok := cfg.Parameters["gsheet_handler_lib_path"].(string)
	require.True(t, ok)
	require.True(t, filepath.IsAbs(lib))
	require.True(t, strings.HasSuffix(lib, filepath.Join("lib", "gsheet_handler.py")))
}

func TestLoadLegacyFlatFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json", `{
  "token": "legacy-token",
  "host": "localhost",
  "port": 8081,
  "google_sheet_key_path": "keys/sheet.json",
  "model": "gpt-4o",
  "max_articles": 3
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "legacy-token", cfg.Auth.Token)
	require.Equal(t, "localhost:8081", cfg.Addr())
	require.Equal(t, "gpt-4o", cfg.Parameters["model"])
	require.Equal(t, 3, cfg.Parameters["max_articles"])
	key, ok := cfg.Parameters["google_sheet_key_path"].(string)
	require.True(t, ok)
	require.True(t, filepath.IsAbs(key))

	require.Equal(t, 600*time.Second, cfg.NotebookTimeout())
	require.Equal(t, "none", cfg.Storage.Backend)
	require.Equal(t, "observed", cfg.Pipeline.ProgressFormula)
	require.Equal(t, []string{"papermill"}, cfg.Pipeline.Command)
}

func TestLoadSectionBeatsLegacyKey(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
token: old
port: 1
auth:
  token: new
server:
  port: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "new", cfg.Auth.Token)
	require.Equal(t, 2, cfg.Server.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PIPELINE_AUTH_TOKEN", "from-env")
	t.Setenv("PIPELINE_PIPELINE_CONCURRENCY", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.Token)
	require.Equal(t, 7, cfg.Pipeline.Concurrency)
	require.Equal(t, 35474, cfg.Server.Port)
	require.Empty(t, cfg.Parameters)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "config.yaml", "server:\n  port: 80\n"))
	require.ErrorContains(t, err, "auth.token")

	_, err = Load(writeConfig(t, "config.yaml", "token: x\ngsheet_handler_lib_path: 3\n"))
	require.ErrorContains(t, err, "gsheet_handler_lib_path")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Auth:   AuthConfig{Token: "t"},
		Pipeline: PipelineConfig{
			Command:        []string{"papermill"},
			TimeoutSeconds: 600,
			Concurrency:    1,
			QueueDepth:     1,
		},
		Storage: StorageConfig{Backend: "memory"},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Pipeline.Concurrency = 0 }, want: "pipeline.concurrency"},
		{name: "invalid queue depth", mutate: func(c *Config) { c.Pipeline.QueueDepth = 0 }, want: "pipeline.queue_depth"},
		{name: "invalid timeout", mutate: func(c *Config) { c.Pipeline.TimeoutSeconds = 0 }, want: "pipeline.timeout_seconds"},
		{name: "empty command", mutate: func(c *Config) { c.Pipeline.Command = nil }, want: "pipeline.command"},
		{name: "negative submit rate", mutate: func(c *Config) { c.Pipeline.SubmitRPS = -1 }, want: "pipeline.submit_rps"},
		{name: "unknown formula", mutate: func(c *Config) { c.Pipeline.ProgressFormula = "linear" }, want: "pipeline.progress_formula"},
		{name: "unknown stage", mutate: func(c *Config) { c.Pipeline.Stages = map[string][]string{"publish": {"x"}} }, want: "pipeline.stages"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Backend = "local" }, want: "storage.local.base_dir"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "half pubsub", mutate: func(c *Config) { c.PubSub.ProjectID = "p" }, want: "pubsub"},
		{name: "sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 2 }, want: "tracing.sample_ratio"},
		{name: "missing token", mutate: func(c *Config) { c.Auth.Token = "" }, want: "auth.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}
