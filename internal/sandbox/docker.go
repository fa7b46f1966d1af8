package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Container configuration.
	sandboxUser       = "65534" // nobody
	sandboxWorkingDir = "/tmp"
	sandboxTmpfs      = "rw,noexec,nosuid,size=16m"

	// Resource limits.
	memoryLimitBytes = 256 * 1024 * 1024 // 256MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 64

	cleanupTimeout = 10 * time.Second
)

// DockerExecutor runs each snippet in a throwaway container with no network,
// a read-only root filesystem and dropped capabilities.
type DockerExecutor struct {
	cli          *client.Client
	interpreters map[Language]Interpreter
	timeout      time.Duration
	runtime      string // "" = default (runc), "runsc" = gVisor
	maxOutput    int
	logger       *slog.Logger
}

// DockerOptions configures a DockerExecutor.
type DockerOptions struct {
	Interpreters map[Language]Interpreter // Image must be set per language
	Timeout      time.Duration
	Runtime      string
	MaxOutput    int
	Logger       *slog.Logger
}

// NewDockerExecutor connects to the Docker daemon from the environment.
func NewDockerExecutor(opts DockerOptions) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	runtime := opts.Runtime
	if runtime == "" {
		runtime = "default"
	}
	opts.Logger.Info("Docker sandbox initialized", "runtime", runtime)

	return &DockerExecutor{
		cli:          cli,
		interpreters: opts.Interpreters,
		timeout:      opts.Timeout,
		runtime:      opts.Runtime,
		maxOutput:    opts.MaxOutput,
		logger:       opts.Logger,
	}, nil
}

// Ping checks that the Docker daemon answers.
func (e *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Execute runs code inside a fresh container for lang.
func (e *DockerExecutor) Execute(ctx context.Context, lang Language, code string) Result {
	res := Result{Language: lang}

	interp, ok := e.interpreters[lang]
	if !ok || interp.Image == "" {
		res.Status = StatusUnsupported
		return res
	}
	res.Interpreter = interp.Binary

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	cfg, hostCfg := containerConfigs(interp, code, e.runtime)

	resp, err := e.cli.ContainerCreate(runCtx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		if errdefs.IsNotFound(err) {
			e.logger.Warn("Sandbox image not found", "image", interp.Image, "error", err)
			res.Status = StatusNotFound
			return res
		}
		return e.failure(runCtx, res, fmt.Errorf("create sandbox container: %w", err))
	}
	defer e.remove(resp.ID)

	if err := e.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return e.failure(runCtx, res, fmt.Errorf("start sandbox container %s: %w", resp.ID, err))
	}

	statusCh, errCh := e.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			res.Duration = time.Since(start)
			return e.failure(runCtx, res, fmt.Errorf("wait for sandbox container %s: %w", resp.ID, err))
		}
	case status := <-statusCh:
		res.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			res.Stderr = status.Error.Message
		}
	}
	res.Duration = time.Since(start)

	stdout := newOutputBuffer(e.maxOutput)
	stderr := newOutputBuffer(e.maxOutput)
	logsCtx, logsCancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer logsCancel()
	logs, err := e.cli.ContainerLogs(logsCtx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		e.logger.Warn("Failed to read sandbox logs", "container_id", resp.ID, "error", err)
	} else {
		if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
			e.logger.Debug("Sandbox log demux ended with error", "container_id", resp.ID, "error", err)
		}
		if closeErr := logs.Close(); closeErr != nil {
			e.logger.Debug("Failed to close sandbox logs", "container_id", resp.ID, "error", closeErr)
		}
	}
	res.Stdout = stdout.String()
	if s := stderr.String(); s != "" {
		res.Stderr = s
	}
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	if res.ExitCode != 0 {
		res.Status = StatusFailed
		e.logger.Info("Sandbox execution failed", "language", lang, "exit_code", res.ExitCode, "duration", res.Duration)
		return res
	}
	res.Status = StatusOK
	e.logger.Info("Sandbox execution completed", "language", lang, "duration", res.Duration, "container_id", resp.ID)
	return res
}

// failure maps a Docker error onto a Result, preferring the timeout marker
// when the deadline has passed.
func (e *DockerExecutor) failure(runCtx context.Context, res Result, err error) Result {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("Sandbox execution timed out", "language", res.Language, "timeout", e.timeout)
		res.Status = StatusTimedOut
		return res
	}
	e.logger.Error("Sandbox execution error", "language", res.Language, "error", err)
	res.Status = StatusFailed
	res.ExitCode = -1
	res.Stderr = err.Error()
	return res
}

// remove force-removes a container. It is idempotent.
func (e *DockerExecutor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return
		}
		e.logger.Warn("Failed to remove sandbox container", "container_id", containerID, "error", err)
	}
}

func containerConfigs(interp Interpreter, code, runtime string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           interp.Image,
		Cmd:             interp.Args(code),
		User:            sandboxUser,
		WorkingDir:      sandboxWorkingDir,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
	}

	hostCfg := &container.HostConfig{
		Runtime:        runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{sandboxWorkingDir: sandboxTmpfs},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	return cfg, hostCfg
}

func ptr[T any](v T) *T {
	return &v
}

var _ Executor = (*DockerExecutor)(nil)
