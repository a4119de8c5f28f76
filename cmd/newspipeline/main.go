package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-pipeline/internal/config"
	"github.com/JakeFAU/news-pipeline/internal/logging"
	"github.com/JakeFAU/news-pipeline/internal/server"
)

func main() {
	cfgPath := flag.String("config", config.DefaultFile, "Path to config file")
	flag.Parse()
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	if err := run(resolveConfigPath(*cfgPath, explicit)); err != nil {
		fmt.Fprintf(os.Stderr, "newspipeline: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath drops the default config file when it does not exist so
// the service can start from environment variables alone. An explicit path is
// always kept and fails loudly if missing.
func resolveConfigPath(path string, explicit bool) string {
	if explicit {
		return path
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return path
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	ctx := context.Background()
	app, err := server.Build(ctx, cfg, server.Options{Logger: logger})
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		_ = logger.Sync()
		return err
	}
	return app.Run(ctx)
}
