// Package runner executes external commands (ping, ip) with a deadline and
// a bounded concurrency pool so subprocess fan-out cannot starve the rest
// of the agent.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the default number of concurrently running subprocesses.
const DefaultPoolSize = 8

// killDelay bounds how long Run keeps waiting for a command's output
// streams to close once its context is done (the process itself is
// killed at that point).
const killDelay = 1 * time.Second

// Sentinel errors for command execution.
var (
	// ErrTimeout indicates the command did not complete within its deadline.
	ErrTimeout = errors.New("command timed out")

	// ErrEmptyCommand indicates Run was called with no argv.
	ErrEmptyCommand = errors.New("empty command")
)

// Result holds the outcome of a completed subprocess.
type Result struct {
	// ExitCode is the process exit status. -1 if the process never ran
	// or was killed.
	ExitCode int

	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string
}

// Succeeded reports whether the process ran and exited zero.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Runner runs commands through a weighted semaphore. The zero value is not
// usable; construct with New.
type Runner struct {
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates a Runner with the given pool size. Sizes < 1 fall back to
// DefaultPoolSize.
func New(poolSize int64, logger *slog.Logger) *Runner {
	if poolSize < 1 {
		poolSize = DefaultPoolSize
	}
	return &Runner{
		sem:    semaphore.NewWeighted(poolSize),
		logger: logger.With(slog.String("component", "runner")),
	}
}

// Run executes argv with the given timeout. A zero timeout means no
// deadline beyond ctx. Returns ErrTimeout when the deadline is hit,
// a start error if the binary cannot be spawned, and otherwise a Result
// with the exit status and captured streams. A non-zero exit is reported
// through Result, not through the error.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{ExitCode: -1}, ErrEmptyCommand
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("acquire runner slot: %w", err)
	}
	defer r.sem.Release(1)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.WaitDelay = killDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		r.logger.Error("command timed out",
			slog.String("cmd", strings.Join(argv, " ")),
			slog.Duration("timeout", timeout),
		)
		return res, ErrTimeout
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit: reported through the Result, logged here
			// once so callers only need to branch on Succeeded().
			r.logger.Error("command failed",
				slog.String("cmd", strings.Join(argv, " ")),
				slog.Int("exit_code", res.ExitCode),
				slog.String("stderr", strings.TrimSpace(res.Stderr)),
			)
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}

	return res, nil
}
