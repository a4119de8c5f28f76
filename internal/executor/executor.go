// Package executor runs parameterized notebooks in an external kernel process
// and reports the executed result.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-pipeline/internal/notebook"
	"github.com/JakeFAU/news-pipeline/internal/pipeline"
)

// Defaults applied by NewKernelExecutor.
const (
	DefaultTimeout = 600 * time.Second
	DefaultKernel  = "python3"
	// ArtifactContentType is the media type used when storing executed notebooks.
	ArtifactContentType = "application/x-ipynb+json"

	stderrTail = 4096
	waitDelay  = 5 * time.Second
)

// DefaultCommand is the kernel runner argv prefix.
var DefaultCommand = []string{"papermill"}

// ErrTimeout is returned when a notebook exceeds the execution ceiling.
var ErrTimeout = errors.New("notebook execution timed out")

// ExecutionError describes a notebook that ran but raised inside a cell.
type ExecutionError struct {
	Notebook  string
	Cell      int
	EName     string
	EValue    string
	Traceback []string
}

func (e *ExecutionError) Error() string {
	if e.EName == "" {
		return fmt.Sprintf("execute %s: %s", e.Notebook, e.EValue)
	}
	return fmt.Sprintf("execute %s: cell %d raised %s: %s", e.Notebook, e.Cell, e.EName, e.EValue)
}

// Notebook is one unit of work for an Executor.
type Notebook struct {
	RunID    string
	Index    int
	Name     string
	Document *notebook.Document
}

// Result carries the executed notebook.
type Result struct {
	Output      []byte
	Duration    time.Duration
	ArtifactURI string
	Digest      string
}

// Executor runs a single parameterized notebook to completion.
type Executor interface {
	Execute(ctx context.Context, nb Notebook) (Result, error)
}

// Config controls how the kernel runner is invoked.
type Config struct {
	// Command is the argv prefix; input path, output path and flags are appended.
	Command []string
	// Kernel is passed as --kernel.
	Kernel string
	// WorkDir is the working directory of the notebook process.
	WorkDir string
	// ScratchDir holds the per-execution input/output files (os.TempDir when empty).
	ScratchDir string
	// Timeout is the ceiling for one notebook.
	Timeout time.Duration
	// ArtifactPrefix is prepended to artifact object paths.
	ArtifactPrefix string
	// Env is appended to the inherited environment.
	Env []string
}

// KernelExecutor shells out to a papermill-compatible runner.
type KernelExecutor struct {
	cfg    Config
	blobs  pipeline.BlobStore
	hasher pipeline.Hasher
	clock  pipeline.Clock
	logger *zap.Logger
}

// NewKernelExecutor constructs a KernelExecutor. blobs and hasher are optional;
// without a BlobStore executed notebooks are not archived.
func NewKernelExecutor(
	cfg Config,
	blobs pipeline.BlobStore,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	logger *zap.Logger,
) *KernelExecutor {
	if len(cfg.Command) == 0 {
		cfg.Command = append([]string(nil), DefaultCommand...)
	}
	if cfg.Kernel == "" {
		cfg.Kernel = DefaultKernel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KernelExecutor{
		cfg:    cfg,
		blobs:  blobs,
		hasher: hasher,
		clock:  clock,
		logger: logger.Named("executor"),
	}
}

// Execute writes nb to a scratch directory, runs the kernel runner and waits
// for it. A non-zero exit becomes an *ExecutionError built from the executed
// notebook; exceeding the timeout kills the runner's process group and
// returns ErrTimeout.
func (e *KernelExecutor) Execute(ctx context.Context, nb Notebook) (Result, error) {
	if nb.Document == nil {
		return Result{}, fmt.Errorf("execute %s: document is required", nb.Name)
	}
	dir, err := os.MkdirTemp(e.cfg.ScratchDir, "notebook-*")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			e.logger.Warn("scratch cleanup failed", zap.String("dir", dir), zap.Error(rmErr))
		}
	}()

	in := filepath.Join(dir, "input.ipynb")
	out := filepath.Join(dir, "output.ipynb")
	if err := writeDocument(in, nb.Document); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Command[0], e.args(in, out)...)
	cmd.Dir = e.cfg.WorkDir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	isolate(cmd)

	e.logger.Debug("executing notebook",
		zap.String("run_id", nb.RunID),
		zap.String("notebook", nb.Name),
		zap.Int("index", nb.Index),
	)
	start := e.now()
	runErr := cmd.Run()
	dur := e.now().Sub(start)

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{Duration: dur}, fmt.Errorf("execute %s after %s: %w", nb.Name, e.cfg.Timeout, ErrTimeout)
		}
		if ctx.Err() != nil {
			return Result{Duration: dur}, fmt.Errorf("execute %s: %w", nb.Name, ctx.Err())
		}
		return Result{Duration: dur}, e.failure(nb.Name, out, stderr.String(), runErr)
	}

	output, err := os.ReadFile(out)
	if err != nil {
		return Result{Duration: dur}, fmt.Errorf("read executed notebook %s: %w", nb.Name, err)
	}
	res := Result{Output: output, Duration: dur}
	e.archive(ctx, nb, &res)
	return res, nil
}

func (e *KernelExecutor) args(in, out string) []string {
	args := append([]string(nil), e.cfg.Command[1:]...)
	args = append(args, in, out, "--kernel", e.cfg.Kernel)
	if e.cfg.WorkDir != "" {
		args = append(args, "--cwd", e.cfg.WorkDir)
	}
	return args
}

// failure converts a non-zero exit into an ExecutionError, preferring the
// first error output recorded in the executed notebook.
func (e *KernelExecutor) failure(name, outPath, stderr string, runErr error) error {
	execErr := &ExecutionError{Notebook: name, Cell: -1}
	if data, err := os.ReadFile(outPath); err == nil {
		if doc, err := notebook.Parse(data); err == nil {
			if idx, out := doc.FirstError(); idx >= 0 {
				execErr.Cell = idx
				execErr.EName = out.EName
				execErr.EValue = out.EValue
				execErr.Traceback = out.Traceback
				return execErr
			}
		}
	}
	execErr.EValue = strings.TrimSpace(stderr)
	if execErr.EValue == "" {
		execErr.EValue = runErr.Error()
	}
	return execErr
}

func (e *KernelExecutor) archive(ctx context.Context, nb Notebook, res *Result) {
	if e.hasher != nil {
		digest, err := e.hasher.Hash(res.Output)
		if err != nil {
			e.logger.Warn("hash executed notebook", zap.String("notebook", nb.Name), zap.Error(err))
		} else {
			res.Digest = digest
		}
	}
	if e.blobs == nil {
		return
	}
	uri, err := e.blobs.PutObject(ctx, e.artifactPath(nb), ArtifactContentType, bytes.NewReader(res.Output))
	if err != nil {
		e.logger.Warn("store executed notebook",
			zap.String("run_id", nb.RunID),
			zap.String("notebook", nb.Name),
			zap.Error(err),
		)
		return
	}
	res.ArtifactURI = uri
}

func (e *KernelExecutor) artifactPath(nb Notebook) string {
	runID := nb.RunID
	if runID == "" {
		runID = "adhoc"
	}
	file := fmt.Sprintf("%d-%s.ipynb", nb.Index, nb.Name)
	prefix := strings.Trim(e.cfg.ArtifactPrefix, "/")
	if prefix == "" {
		return path.Join(runID, file)
	}
	return path.Join(prefix, runID, file)
}

func (e *KernelExecutor) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock.Now()
}

func writeDocument(path string, doc *notebook.Document) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create notebook input: %w", err)
	}
	if err := doc.Encode(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write notebook input: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close notebook input: %w", err)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
