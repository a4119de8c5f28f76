package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/news-pipeline/internal/notebook"
	"github.com/JakeFAU/news-pipeline/internal/storage/memory"
)

const inputNotebook = `{"cells": [
  {"cell_type": "code", "metadata": {"tags": ["parameters"]}, "outputs": [], "execution_count": null, "source": "limit = 1\n"},
  {"cell_type": "code", "metadata": {}, "outputs": [], "execution_count": null, "source": "print(limit)\n"}
], "metadata": {}, "nbformat": 4, "nbformat_minor": 5}`

const raisedNotebook = `{"cells": [
  {"cell_type": "code", "metadata": {}, "execution_count": 1, "source": "limit = 1\n", "outputs": []},
  {"cell_type": "code", "metadata": {}, "execution_count": 2, "source": "fetch()\n",
   "outputs": [{"output_type": "error", "ename": "ConnectionError", "evalue": "feed unreachable", "traceback": ["line 1"]}]}
], "metadata": {}, "nbformat": 4, "nbformat_minor": 5}`

// TestHelperProcessKernel stands in for the kernel runner.
func TestHelperProcessKernel(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) < 3 {
		_, _ = os.Stderr.WriteString("usage: mode input output")
		os.Exit(2)
	}
	mode, in, out := args[0], args[1], args[2]
	switch mode {
	case "kernel-ok":
		data, err := os.ReadFile(in)
		if err != nil {
			_, _ = os.Stderr.WriteString(err.Error())
			os.Exit(2)
		}
		if err := os.WriteFile(out, data, 0o600); err != nil {
			_, _ = os.Stderr.WriteString(err.Error())
			os.Exit(2)
		}
		os.Exit(0)
	case "kernel-raise":
		_ = os.WriteFile(out, []byte(raisedNotebook), 0o600)
		_, _ = os.Stderr.WriteString("PapermillExecutionError")
		os.Exit(1)
	case "kernel-crash":
		_, _ = os.Stderr.WriteString("No such kernel named python3\n")
		os.Exit(2)
	case "kernel-hang":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "kernel-fork":
		// The forked kernel shares stderr, so Wait cannot return while it lives.
		kernel := exec.Command(os.Args[0], "-test.run=TestHelperProcessKernel", "--", "kernel-hang", in, out)
		kernel.Stderr = os.Stderr
		if err := kernel.Start(); err != nil {
			_, _ = os.Stderr.WriteString(err.Error())
			os.Exit(2)
		}
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}
	os.Exit(3)
}

func helperExecutor(t *testing.T, mode string, timeout time.Duration) (*KernelExecutor, *memory.BlobStore) {
	t.Helper()
	blobs := memory.NewBlobStore()
	runner := NewKernelExecutor(Config{
		Command:        []string{os.Args[0], "-test.run=TestHelperProcessKernel", "--", mode},
		ScratchDir:     t.TempDir(),
		WorkDir:        t.TempDir(),
		Timeout:        timeout,
		ArtifactPrefix: "/executed/",
		Env:            []string{"GO_WANT_HELPER_PROCESS=1"},
	}, blobs, sha256.New(), nil, nil)
	return runner, blobs
}

func parameterized(t *testing.T) *notebook.Document {
	t.Helper()
	tmpl, err := notebook.NewTemplate("scrape.ipynb", []byte(inputNotebook))
	require.NoError(t, err)
	doc, err := tmpl.Instantiate(map[string]any{"limit": 5})
	require.NoError(t, err)
	return doc
}

func TestKernelExecutorSuccessArchivesOutput(t *testing.T) {
	t.Parallel()

	runner, blobs := helperExecutor(t, "kernel-ok", 30*time.Second)
	res, err := runner.Execute(context.Background(), Notebook{
		RunID:    "run-1",
		Index:    2,
		Name:     "news_extraction",
		Document: parameterized(t),
	})
	require.NoError(t, err)
	require.Contains(t, string(res.Output), `"limit = 5\n"`)
	require.Equal(t, "memory://executed/run-1/2-news_extraction.ipynb", res.ArtifactURI)
	require.Len(t, res.Digest, 64)

	stored, ok := blobs.Get("executed/run-1/2-news_extraction.ipynb")
	require.True(t, ok)
	require.Equal(t, res.Output, stored)
}

func TestKernelExecutorReportsFirstCellError(t *testing.T) {
	t.Parallel()

	runner, _ := helperExecutor(t, "kernel-raise", 30*time.Second)
	_, err := runner.Execute(context.Background(), Notebook{Name: "rss", Document: parameterized(t)})
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	require.Equal(t, "rss", execErr.Notebook)
	require.Equal(t, 1, execErr.Cell)
	require.Equal(t, "ConnectionError", execErr.EName)
	require.Equal(t, "feed unreachable", execErr.EValue)
	require.Equal(t, []string{"line 1"}, execErr.Traceback)
	require.Contains(t, err.Error(), "cell 1 raised ConnectionError")
}

func TestKernelExecutorFallsBackToStderr(t *testing.T) {
	t.Parallel()

	runner, _ := helperExecutor(t, "kernel-crash", 30*time.Second)
	_, err := runner.Execute(context.Background(), Notebook{Name: "scrape", Document: parameterized(t)})

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	require.Equal(t, -1, execErr.Cell)
	require.Equal(t, "No such kernel named python3", execErr.EValue)
}

func TestKernelExecutorTimeout(t *testing.T) {
	t.Parallel()

	runner, _ := helperExecutor(t, "kernel-hang", 200*time.Millisecond)
	start := time.Now()
	_, err := runner.Execute(context.Background(), Notebook{Name: "didgest", Document: parameterized(t)})
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 20*time.Second)
}

func TestKernelExecutorRequiresDocument(t *testing.T) {
	t.Parallel()

	runner := NewKernelExecutor(Config{}, nil, nil, nil, nil)
	_, err := runner.Execute(context.Background(), Notebook{Name: "empty"})
	require.Error(t, err)
}

func TestKernelExecutorArgs(t *testing.T) {
	t.Parallel()

	runner := NewKernelExecutor(Config{WorkDir: "/srv/notebooks"}, nil, nil, nil, nil)
	require.Equal(t,
		[]string{"in.ipynb", "out.ipynb", "--kernel", "python3", "--cwd", "/srv/notebooks"},
		runner.args("in.ipynb", "out.ipynb"),
	)
	require.Equal(t, DefaultTimeout, runner.cfg.Timeout)
	require.Equal(t, "papermill", runner.cfg.Command[0])
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	t.Parallel()

	buf := &tailBuffer{limit: 4}
	_, _ = buf.Write([]byte("abc"))
	_, _ = buf.Write([]byte("defg"))
	require.Equal(t, "defg", buf.String())
}
