package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/progress"
)

// RunNotification is the payload published when a run finishes.
type RunNotification struct {
	RunID      string             `json:"run_id"`
	Stage      pipeline.Stage     `json:"stage"`
	Status     pipeline.RunStatus `json:"status"`
	Progress   int                `json:"progress"`
	Error      string             `json:"error,omitempty"`
	DurationMS int64              `json:"duration_ms"`
	FinishedAt time.Time          `json:"finished_at"`
}

// PublishSink announces terminal run events through a pipeline.Publisher.
type PublishSink struct {
	publisher pipeline.Publisher
	topic     string
}

// NewPublishSink publishes to topic; an empty topic defers to the publisher's default.
func NewPublishSink(publisher pipeline.Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic}
}

// Consume publishes one notification per RUN_DONE or RUN_ERROR event.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		status := pipeline.RunSuccess
		if evt.Stage == progress.StageRunError {
			status = pipeline.RunError
		}
		msg := RunNotification{
			RunID:      evt.RunID,
			Stage:      evt.Pipeline,
			Status:     status,
			Progress:   evt.Progress,
			Error:      evt.Note,
			DurationMS: evt.Dur.Milliseconds(),
			FinishedAt: evt.TS,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			return fmt.Errorf("publish run %s: %w", evt.RunID, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
