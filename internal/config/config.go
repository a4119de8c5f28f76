// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/sequencer"
)

// EnvPrefix is prepended to environment overrides (PIPELINE_AUTH_TOKEN, ...).
const EnvPrefix = "PIPELINE"

// DefaultFile is the config file read from the working directory when no
// path is given on the command line.
const DefaultFile = "config.json"

// DefaultPathParameters are notebook parameters rewritten to absolute paths.
var DefaultPathParameters = []string{"google_sheet_key_path", "gsheet_handler_lib_path"}

// sections are the top-level keys owned by the service itself. In a legacy
// flat file every other top-level key is a notebook parameter.
var sections = map[string]bool{
	"server": true, "auth": true, "logging": true, "pipeline": true,
	"storage": true, "database": true, "pubsub": true, "progress": true,
	"tracing": true, "parameters": true, "path_parameters": true,
}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server         ServerConfig   `mapstructure:"server"`
	Auth           AuthConfig     `mapstructure:"auth"`
	Logging        LoggingConfig  `mapstructure:"logging"`
	Pipeline       PipelineConfig `mapstructure:"pipeline"`
	Storage        StorageConfig  `mapstructure:"storage"`
	Database       DatabaseConfig `mapstructure:"database"`
	PubSub         PubSubConfig   `mapstructure:"pubsub"`
	Progress       ProgressConfig `mapstructure:"progress"`
	Tracing        TracingConfig  `mapstructure:"tracing"`
	PathParameters []string       `mapstructure:"path_parameters"`
	// Parameters are the values injected into notebook parameter cells. Keys
	// keep their original case, so they are read outside of Viper.
	Parameters map[string]any `mapstructure:"-"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig holds the shared query-string token.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PipelineConfig governs notebook execution and the worker pool.
type PipelineConfig struct {
	NotebookDir     string              `mapstructure:"notebook_dir"`
	WorkDir         string              `mapstructure:"work_dir"`
	ScratchDir      string              `mapstructure:"scratch_dir"`
	Kernel          string              `mapstructure:"kernel"`
	Command         []string            `mapstructure:"command"`
	TimeoutSeconds  int                 `mapstructure:"timeout_seconds"`
	Concurrency     int                 `mapstructure:"concurrency"`
	QueueDepth      int                 `mapstructure:"queue_depth"`
	ProgressFormula string              `mapstructure:"progress_formula"`
	Stages          map[string][]string `mapstructure:"stages"`
	// SubmitRPS throttles /run_<stage> per stage. Zero disables throttling.
	SubmitRPS   float64 `mapstructure:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// StorageConfig selects where executed notebooks are archived. Backend "none"
// disables archiving; "memory" keeps every notebook for the process lifetime
// and is meant for development.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to Postgres. An empty DSN keeps runs in memory.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// PubSubConfig holds the run notification topic. Empty values select the
// in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	raw := map[string]any{}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var err error
		raw, err = readRaw(path)
		if err != nil {
			return Config{}, err
		}
	}
	applyLegacyKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Parameters = parameters(raw)
	if err := cfg.normalizePaths(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 35474)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.token", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("pipeline.notebook_dir", ".")
	v.SetDefault("pipeline.work_dir", "")
	v.SetDefault("pipeline.scratch_dir", "")
	v.SetDefault("pipeline.kernel", "python3")
	v.SetDefault("pipeline.command", []string{"papermill"})
	v.SetDefault("pipeline.timeout_seconds", 600)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.queue_depth", 16)
	v.SetDefault("pipeline.progress_formula", string(sequencer.FormulaObserved))
	v.SetDefault("pipeline.submit_rps", 0)
	v.SetDefault("pipeline.submit_burst", 1)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "executed")
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.migrate", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "newspipeline")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("path_parameters", DefaultPathParameters)
}

// applyLegacyKeys maps the flat token/host/port keys onto their sections.
// Explicit section values still win.
func applyLegacyKeys(v *viper.Viper) {
	legacy := map[string]string{
		"token": "auth.token",
		"host":  "server.host",
		"port":  "server.port",
	}
	for old, key := range legacy {
		if v.InConfig(old) {
			v.SetDefault(key, v.Get(old))
		}
	}
}

// readRaw decodes the config file with key case preserved. JSON files are
// valid YAML.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return raw, nil
}

// parameters returns the "parameters" mapping, or every non-section top-level
// key of a legacy flat file.
func parameters(raw map[string]any) map[string]any {
	if nested, ok := raw["parameters"].(map[string]any); ok {
		return nested
	}
	out := make(map[string]any)
	for k, val := range raw {
		if sections[strings.ToLower(k)] {
			continue
		}
		out[k] = val
	}
	return out
}

// normalizePaths rewrites the configured path parameters to absolute paths.
func (c *Config) normalizePaths() error {
	for _, key := range c.PathParameters {
		val, ok := c.Parameters[key]
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("path parameter %s must be a string", key)
		}
		if s == "" {
			continue
		}
		abs, err := filepath.Abs(s)
		if err != nil {
			return fmt.Errorf("resolve path parameter %s: %w", key, err)
		}
		c.Parameters[key] = abs
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Auth.Token == "" {
		return errors.New("auth.token must be set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Pipeline.QueueDepth <= 0 {
		return fmt.Errorf("pipeline.queue_depth must be > 0")
	}
	if c.Pipeline.TimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.timeout_seconds must be > 0")
	}
	if len(c.Pipeline.Command) == 0 {
		return fmt.Errorf("pipeline.command must not be empty")
	}
	if c.Pipeline.SubmitRPS < 0 {
		return fmt.Errorf("pipeline.submit_rps must be >= 0")
	}
	if _, err := sequencer.ParseFormula(c.Pipeline.ProgressFormula); err != nil {
		return fmt.Errorf("pipeline.progress_formula: %w", err)
	}
	for name := range c.Pipeline.Stages {
		if _, err := pipeline.ParseStage(name); err != nil {
			return fmt.Errorf("pipeline.stages: %w", err)
		}
	}
	switch c.Storage.Backend {
	case "none", "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in 0..1")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NotebookTimeout is the per-notebook execution ceiling.
func (c Config) NotebookTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds HTTP handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
