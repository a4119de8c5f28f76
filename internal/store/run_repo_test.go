package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
)

func TestRunFilterNormalize(t *testing.T) {
	t.Parallel()

	f := RunFilter{Limit: -1, Offset: -5}.Normalize()
	require.Equal(t, DefaultListLimit, f.Limit)
	require.Equal(t, 0, f.Offset)

	f = RunFilter{Limit: MaxListLimit + 1, Offset: 3}.Normalize()
	require.Equal(t, MaxListLimit, f.Limit)
	require.Equal(t, 3, f.Offset)
}

func TestSettledProgress(t *testing.T) {
	t.Parallel()

	require.Equal(t, -1, SettledProgress(pipeline.RunError))
	require.Equal(t, 0, SettledProgress(pipeline.RunSuccess))
}
