package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/progress"
	"github.com/JakeFAU/news-pipeline/internal/publisher/memory"
)

func TestPublishSinkAnnouncesTerminalRuns(t *testing.T) {
	t.Parallel()

	pub := memory.New(0)
	sink := NewPublishSink(pub, "stage-runs")
	runID := uuid.NewString()
	now := time.Now().UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Pipeline: pipeline.StageGrade},
		{RunID: runID, TS: now, Stage: progress.StageNotebookDone, Pipeline: pipeline.StageGrade, Notebook: "n"},
		{
			RunID: runID, TS: now, Stage: progress.StageRunError, Pipeline: pipeline.StageGrade,
			Progress: -1, Dur: 1500 * time.Millisecond, Note: "timed out",
		},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "stage-runs", msgs[0].Topic)
	note, ok := msgs[0].Payload.(RunNotification)
	require.True(t, ok)
	require.Equal(t, runID, note.RunID)
	require.Equal(t, pipeline.StageGrade, note.Stage)
	require.Equal(t, pipeline.RunError, note.Status)
	require.Equal(t, -1, note.Progress)
	require.Equal(t, int64(1500), note.DurationMS)
	require.Equal(t, "timed out", note.Error)
}

func TestPublishSinkNilPublisher(t *testing.T) {
	t.Parallel()

	sink := NewPublishSink(nil, "")
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{Stage: progress.StageRunDone}}))
}
