package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// LocalExecutor runs interpreters as child processes of the relay.
type LocalExecutor struct {
	interpreters map[Language]Interpreter
	timeout      time.Duration
	maxOutput    int
	logger       *slog.Logger
}

// LocalOptions configures a LocalExecutor.
type LocalOptions struct {
	Interpreters map[Language]Interpreter
	Timeout      time.Duration
	MaxOutput    int
	Logger       *slog.Logger
}

// NewLocalExecutor creates an executor that runs snippets on the host.
func NewLocalExecutor(opts LocalOptions) *LocalExecutor {
	if opts.Interpreters == nil {
		opts.Interpreters = DefaultInterpreters("node", "python3")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LocalExecutor{
		interpreters: opts.Interpreters,
		timeout:      opts.Timeout,
		maxOutput:    opts.MaxOutput,
		logger:       opts.Logger,
	}
}

// Execute runs code with the interpreter registered for lang.
func (e *LocalExecutor) Execute(ctx context.Context, lang Language, code string) Result {
	res := Result{Language: lang}

	interp, ok := e.interpreters[lang]
	if !ok {
		res.Status = StatusUnsupported
		return res
	}
	res.Interpreter = interp.Binary

	path, err := exec.LookPath(interp.Binary)
	if err != nil {
		e.logger.Warn("Sandbox interpreter not found", "interpreter", interp.Binary, "error", err)
		res.Status = StatusNotFound
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stdout := newOutputBuffer(e.maxOutput)
	stderr := newOutputBuffer(e.maxOutput)

	args := interp.Args(code)
	cmd := exec.CommandContext(runCtx, path, args[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil
	// Children that inherit the pipes must not keep Wait blocked past the deadline.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("Sandbox execution timed out", "language", lang, "timeout", e.timeout)
		res.Status = StatusTimedOut
		return res
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.Status = StatusFailed
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
			res.Status = StatusNotFound
		default:
			res.Status = StatusFailed
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
		e.logger.Info("Sandbox execution failed", "language", lang, "exit_code", res.ExitCode, "duration", res.Duration)
		return res
	}

	res.Status = StatusOK
	e.logger.Info("Sandbox execution completed", "language", lang, "duration", res.Duration, "truncated", res.Truncated)
	return res
}

var _ Executor = (*LocalExecutor)(nil)
