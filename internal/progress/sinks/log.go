package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/news-pipeline/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch. Error stages log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		if evt.Stage == progress.StageRunError || evt.Stage == progress.StageNotebookError {
			level = zapcore.WarnLevel
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("event", string(evt.Stage)),
			zap.String("stage", string(evt.Pipeline)),
			zap.Int("progress", evt.Progress),
		}
		if evt.Notebook != "" {
			fields = append(fields,
				zap.String("notebook", evt.Notebook),
				zap.Int("index", evt.Index),
				zap.Int("total", evt.Total),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.ArtifactURI != "" {
			fields = append(fields, zap.String("artifact", evt.ArtifactURI))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(level, "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
