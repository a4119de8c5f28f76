package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/store"
)

var _ store.RunRepository = (*RunStore)(nil)

const (
	runID  = "0190c5a2-7c41-7b7e-9a1f-2d3c4b5a6978"
	digest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
)

func newMockStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestRunStoreCreateRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	queued := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO stage_runs").
		WithArgs(runID, "scrape", "queued", 0, queued).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO stage_runs").
		WithArgs(runID, "scrape", "queued", 0, queued).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	run := store.StageRun{ID: runID, Stage: pipeline.StageScrape, QueuedAt: queued}
	require.NoError(t, s.CreateRun(context.Background(), run))
	require.ErrorIs(t, s.CreateRun(context.Background(), run), store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreLifecycleUpdates(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE stage_runs").
		WithArgs("running", at, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE stage_runs").
		WithArgs(50, "rss", at, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO stage_run_notebooks").
		WithArgs(runID, 1, "rss", "success", int64(1500), "memory://a", digest, "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE stage_runs").
		WithArgs("error", -1, "cell raised", at, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, runID, at))
	require.NoError(t, s.UpdateProgress(ctx, runID, "rss", 50, at))
	require.NoError(t, s.RecordNotebook(ctx, runID, store.NotebookRun{
		Index:       1,
		Name:        "rss",
		Status:      pipeline.RunSuccess,
		Duration:    1500 * time.Millisecond,
		ArtifactURI: "memory://a",
		Digest:      digest,
		FinishedAt:  at,
	}))
	require.NoError(t, s.CompleteRun(ctx, runID, pipeline.RunError, "cell raised", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreUpdateMissingRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE stage_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE stage_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := s.StartRun(context.Background(), runID, time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)
	err = s.CompleteRun(context.Background(), runID, pipeline.RunSuccess, "", time.Now())
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreDeleteRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM stage_runs").
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM stage_runs").
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.DeleteRun(context.Background(), runID))
	require.ErrorIs(t, s.DeleteRun(context.Background(), runID), store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	queued := time.Unix(1700000000, 0).UTC()
	started := queued.Add(time.Second)
	finished := queued.Add(time.Minute)

	mock.ExpectQuery(`FROM stage_runs WHERE id = \$1`).
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "stage", "status", "progress", "notebook", "error_message", "queued_at", "started_at", "finished_at",
		}).AddRow(runID, "grade", "success", 0, "news_range_n_summary", "", queued, &started, &finished))
	mock.ExpectQuery("FROM stage_run_notebooks").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{
			"idx", "name", "status", "duration_ms", "artifact_uri", "digest", "error_message", "finished_at",
		}).AddRow(0, "news_range_n_summary", "success", int64(2000), "", digest, "", finished))

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageGrade, run.Stage)
	require.Equal(t, pipeline.RunSuccess, run.Status)
	require.Equal(t, started, *run.StartedAt)
	require.Len(t, run.Notebooks, 1)
	require.Equal(t, 2*time.Second, run.Notebooks[0].Duration)
	require.Equal(t, digest, run.Notebooks[0].Digest)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRunNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM stage_runs WHERE id = \$1`).
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	queued := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("ORDER BY queued_at DESC").
		WithArgs("scrape", "", 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "stage", "status", "progress", "notebook", "error_message", "queued_at", "started_at", "finished_at",
		}).
			AddRow(runID, "scrape", "queued", 0, "", "", queued, nil, nil))

	runs, err := s.ListRuns(context.Background(), store.RunFilter{Stage: pipeline.StageScrape, Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, pipeline.RunQueued, runs[0].Status)
	require.Nil(t, runs[0].StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreStageProgress(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT progress").
		WithArgs("digest_generation", s.since).
		WillReturnRows(pgxmock.NewRows([]string{"progress"}).AddRow(-1))
	mock.ExpectQuery("SELECT progress").
		WithArgs("scrape", s.since).
		WillReturnRows(pgxmock.NewRows([]string{"progress"}))

	progress, err := s.StageProgress(context.Background(), pipeline.StageDigestGeneration)
	require.NoError(t, err)
	require.Equal(t, -1, progress)

	progress, err = s.StageProgress(context.Background(), pipeline.StageScrape)
	require.NoError(t, err)
	require.Equal(t, 0, progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreRestartForgetsStaleProgress(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	boot := time.Unix(1700000500, 0).UTC()
	s.since = boot

	mock.ExpectExec("UPDATE stage_runs").
		WithArgs("error", -1, AbandonedMessage, boot, "queued", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	// A scrape run left at 100 by the previous process started before boot,
	// so the bounded query finds nothing.
	mock.ExpectQuery(`started_at >= \$2`).
		WithArgs("scrape", boot).
		WillReturnRows(pgxmock.NewRows([]string{"progress"}))

	ctx := context.Background()
	abandoned, err := s.AbandonRuns(ctx, boot)
	require.NoError(t, err)
	require.EqualValues(t, 2, abandoned)

	progress, err := s.StageProgress(ctx, pipeline.StageScrape)
	require.NoError(t, err)
	require.Equal(t, 0, progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreAbandonRunsError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE stage_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := s.AbandonRuns(context.Background(), time.Now())
	require.ErrorContains(t, err, "abandon runs")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreMigrate(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stage_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
