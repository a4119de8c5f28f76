package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/store"
)

var _ store.RunRepository = (*RunStore)(nil)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	progress, err := s.StageProgress(ctx, pipeline.StageScrape)
	require.NoError(t, err)
	require.Equal(t, 0, progress)

	require.NoError(t, s.CreateRun(ctx, store.StageRun{ID: "r1", Stage: pipeline.StageScrape, QueuedAt: now}))
	require.ErrorIs(t, s.CreateRun(ctx, store.StageRun{ID: "r1"}), store.ErrConflict)

	require.NoError(t, s.StartRun(ctx, "r1", now.Add(time.Second)))
	require.NoError(t, s.UpdateProgress(ctx, "r1", "rss", 50, now))
	require.NoError(t, s.RecordNotebook(ctx, "r1", store.NotebookRun{Index: 0, Name: "scrape", Status: pipeline.RunSuccess}))

	progress, err = s.StageProgress(ctx, pipeline.StageScrape)
	require.NoError(t, err)
	require.Equal(t, 50, progress)

	require.NoError(t, s.CompleteRun(ctx, "r1", pipeline.RunError, "boom", now.Add(time.Minute)))
	progress, err = s.StageProgress(ctx, pipeline.StageScrape)
	require.NoError(t, err)
	require.Equal(t, -1, progress)

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunError, run.Status)
	require.Equal(t, "boom", run.Error)
	require.Equal(t, "rss", run.Notebook)
	require.Equal(t, -1, run.Progress)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)
	require.Len(t, run.Notebooks, 1)

	other, err := s.StageProgress(ctx, pipeline.StageGrade)
	require.NoError(t, err)
	require.Equal(t, 0, other)
}

func TestRunStoreSuccessResetsStage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	require.NoError(t, s.CreateRun(ctx, store.StageRun{ID: "r1", Stage: pipeline.StageDigestGeneration}))
	require.NoError(t, s.StartRun(ctx, "r1", time.Now()))
	require.NoError(t, s.UpdateProgress(ctx, "r1", "didgest", 100, time.Now()))
	require.NoError(t, s.CompleteRun(ctx, "r1", pipeline.RunSuccess, "", time.Now()))

	progress, err := s.StageProgress(ctx, pipeline.StageDigestGeneration)
	require.NoError(t, err)
	require.Equal(t, 0, progress)
}

func TestRunStoreMissingRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	_, err := s.GetRun(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.StartRun(ctx, "nope", time.Now()), store.ErrNotFound)
	require.ErrorIs(t, s.UpdateProgress(ctx, "nope", "", 1, time.Now()), store.ErrNotFound)
	require.ErrorIs(t, s.CompleteRun(ctx, "nope", pipeline.RunSuccess, "", time.Now()), store.ErrNotFound)
	require.ErrorIs(t, s.DeleteRun(ctx, "nope"), store.ErrNotFound)
}

func TestRunStoreDeleteKeepsStageProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	now := time.Now().UTC()
	require.NoError(t, s.CreateRun(ctx, store.StageRun{ID: "r1", Stage: pipeline.StageGrade, QueuedAt: now}))
	require.NoError(t, s.StartRun(ctx, "r1", now))
	require.NoError(t, s.UpdateProgress(ctx, "r1", "news_range_n_summary", 100, now))
	require.NoError(t, s.CreateRun(ctx, store.StageRun{ID: "r2", Stage: pipeline.StageGrade, QueuedAt: now}))

	require.NoError(t, s.DeleteRun(ctx, "r2"))
	_, err := s.GetRun(ctx, "r2")
	require.ErrorIs(t, err, store.ErrNotFound)

	progress, err := s.StageProgress(ctx, pipeline.StageGrade)
	require.NoError(t, err)
	require.Equal(t, 100, progress)
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		stage := pipeline.StageScrape
		if i%2 == 1 {
			stage = pipeline.StageGrade
		}
		require.NoError(t, s.CreateRun(ctx, store.StageRun{
			ID:       fmt.Sprintf("r%d", i),
			Stage:    stage,
			QueuedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "r4", all[0].ID)

	scrape, err := s.ListRuns(ctx, store.RunFilter{Stage: pipeline.StageScrape, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"r4", "r2"}, []string{scrape[0].ID, scrape[1].ID})

	page, err := s.ListRuns(ctx, store.RunFilter{Offset: 4})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "r0", page[0].ID)

	empty, err := s.ListRuns(ctx, store.RunFilter{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, empty)

	queued, err := s.ListRuns(ctx, store.RunFilter{Status: pipeline.RunQueued})
	require.NoError(t, err)
	require.Len(t, queued, 5)
}

func TestRunStoreConcurrentSameStage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	ids := []string{"a", "b"}
	for _, id := range ids {
		require.NoError(t, s.CreateRun(ctx, store.StageRun{ID: id, Stage: pipeline.StageSummarization}))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.StartRun(ctx, id, time.Now())
			for p := 0; p <= 100; p += 10 {
				_ = s.UpdateProgress(ctx, id, "", p, time.Now())
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 100, run.Progress)
	}
	progress, err := s.StageProgress(ctx, pipeline.StageSummarization)
	require.NoError(t, err)
	require.Equal(t, 100, progress)
}
