package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherDigests(t *testing.T) {
	t.Parallel()

	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, want, got)

	streamed, err := h.HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, want, streamed)
}
