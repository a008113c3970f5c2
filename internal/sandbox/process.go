package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ProcessConfig configures the process-based fallback runner.
type ProcessConfig struct {
	DefaultLimits ResourceLimits
}

// ProcessRunner executes sketch binaries as local OS processes. This is
// the degraded fallback when no container runtime is available: only
// ulimit and process-group isolation, a strictly weaker guarantee than
// the Docker runner. Probe logs a warning when it selects this path.
//
//   - Each run gets its own process group (Setpgid); the whole group is
//     signalled for pause/resume/kill
//   - No environment inheritance — only a minimal safe set
//   - Memory and CPU limits enforced via ulimit
//   - Cumulative output capped; exceeding it kills the process group
type ProcessRunner struct {
	defaultLimits ResourceLimits
	logger        *slog.Logger
}

// NewProcessRunner creates a process-based runner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	return &ProcessRunner{
		defaultLimits: cfg.DefaultLimits.withDefaults(),
		logger:        logger,
	}
}

// Kind reports the isolation level.
func (r *ProcessRunner) Kind() string { return "process" }

// Start launches the sketch binary in its own process group under ulimit
// enforcement, streaming stdout/stderr to the request writers.
func (r *ProcessRunner) Start(ctx context.Context, req StartRequest) (Process, error) {
	if req.Binary == "" {
		return nil, fmt.Errorf("empty binary path")
	}
	limits := req.Limits.withDefaults()

	// The binary is wrapped: sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ binary
	// Positional parameters keep the path out of the shell string.
	memKB := limits.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellScript, "_", req.Binary)
	cmd.Dir = req.WorkDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + req.WorkDir,
		"TMPDIR=" + req.WorkDir,
		"TERM=dumb",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdin: %w", err)
	}

	p := &localProcess{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan ExitStatus, 1),
	}
	p.limiter = newOutputLimiter(limits.MaxOutputBytes, func() {
		r.logger.Warn("output limit exceeded, killing process group",
			slog.Int64("limit_bytes", limits.MaxOutputBytes),
		)
		_ = p.Kill()
	})
	cmd.Stdout = p.limiter.wrap(req.Stdout)
	cmd.Stderr = p.limiter.wrap(req.Stderr)

	r.logger.Info("process runner starting sketch",
		slog.String("binary", req.Binary),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting sketch process: %w", err)
	}

	go func() {
		waitErr := cmd.Wait()
		status := ExitStatus{
			Duration:       time.Since(start),
			OutputLimitHit: p.limiter.Exceeded(),
			Killed:         p.wasKilled(),
		}
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				status.Code = exitErr.ExitCode()
			} else {
				status.Err = waitErr
			}
		}
		r.logger.Info("process runner sketch exited",
			slog.Int("exit_code", status.Code),
			slog.Duration("duration", status.Duration),
		)
		p.done <- status
		close(p.done)
	}()

	return p, nil
}

// localProcess is one live process-group sketch.
type localProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	limiter *outputLimiter
	done    chan ExitStatus

	mu     sync.Mutex
	killed bool
}

func (p *localProcess) Stdin() io.Writer        { return p.stdin }
func (p *localProcess) Done() <-chan ExitStatus { return p.done }

func (p *localProcess) Pause() error {
	return p.signal(syscall.SIGSTOP)
}

func (p *localProcess) Resume() error {
	return p.signal(syscall.SIGCONT)
}

// Kill terminates the process group. Safe to call multiple times and
// after exit.
func (p *localProcess) Kill() error {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	_ = p.signal(syscall.SIGKILL)
	return nil
}

func (p *localProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *localProcess) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		return fmt.Errorf("signalling process group: %w", err)
	}
	return nil
}
