package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenReject(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 2})
	require.True(t, l.Allow("scrape"))
	require.True(t, l.Allow("scrape"))
	require.False(t, l.Allow("scrape"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 1})
	require.True(t, l.Allow("scrape"))
	require.False(t, l.Allow("scrape"))
	require.True(t, l.Allow("digest_generation"))
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("grade"))
	}
}
