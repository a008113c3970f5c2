package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	defaultDockerPIDsLimit = 16
	defaultDockerCPUCores  = 0.5
	defaultDockerImage     = "unosim-runtime:latest"

	// sketchMount is where the per-session build dir appears in-container.
	sketchMount = "/sketch"
)

// DockerConfig configures the Docker-based runner.
type DockerConfig struct {
	Image     string  // Container image (e.g. "unosim-runtime:latest").
	MemoryMB  int     // --memory hard limit.
	CPUCores  float64 // --cpus rate limit.
	PIDsLimit int     // --pids-limit (a sketch needs exactly one process).
}

// DockerRunner executes sketch binaries inside ephemeral Docker containers.
//
// Security guarantees:
//   - Each run gets its own container (--rm, plus deferred docker rm -f safety net)
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem with the build dir mounted read-only
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - CPU rate limited
//   - Cumulative output capped; exceeding it kills the container
type DockerRunner struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerRunner creates a Docker-based runner.
func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) *DockerRunner {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerRunner{config: cfg, logger: logger}
}

// Kind reports the isolation level.
func (r *DockerRunner) Kind() string { return "docker" }

// Start launches the sketch binary in a hardened ephemeral container with
// stdin attached, streaming stdout/stderr to the request writers.
func (r *DockerRunner) Start(ctx context.Context, req StartRequest) (Process, error) {
	if req.Binary == "" {
		return nil, fmt.Errorf("empty binary path")
	}
	limits := req.Limits.withDefaults()

	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	args := r.buildDockerArgs(name, limits, req.WorkDir, filepath.Base(req.Binary))
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdin: %w", err)
	}

	p := &dockerProcess{
		name:  name,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan ExitStatus, 1),
	}
	p.limiter = newOutputLimiter(limits.MaxOutputBytes, func() {
		r.logger.Warn("output limit exceeded, killing container",
			slog.String("container", name),
			slog.Int64("limit_bytes", limits.MaxOutputBytes),
		)
		_ = p.Kill()
	})
	cmd.Stdout = p.limiter.wrap(req.Stdout)
	cmd.Stderr = p.limiter.wrap(req.Stderr)

	r.logger.Info("docker runner starting sketch",
		slog.String("container", name),
		slog.String("image", r.config.Image),
		slog.String("binary", req.Binary),
		slog.Int("memory_mb", limits.MaxMemoryMB),
		slog.Float64("cpu_cores", r.config.CPUCores),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	go func() {
		waitErr := cmd.Wait()
		duration := time.Since(start)

		// Safety net: force remove in case --rm didn't fire (OOM kill,
		// daemon restart, kill race).
		r.forceRemoveContainer(name)

		status := ExitStatus{
			Duration:       duration,
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
		r.logger.Info("docker runner sketch exited",
			slog.String("container", name),
			slog.Int("exit_code", status.Code),
			slog.Duration("duration", duration),
		)
		p.done <- status
		close(p.done)
	}()

	return p, nil
}

// buildDockerArgs constructs the docker run argument list with the full
// hardening flag set. The build dir is bind-mounted read-only; the binary
// runs as /sketch/<basename>.
func (r *DockerRunner) buildDockerArgs(name string, limits ResourceLimits, workDir, binary string) []string {
	memoryFlag := strconv.Itoa(limits.MaxMemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(r.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(r.config.PIDsLimit)

	return []string{
		"run", "--rm", "-i",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--network=none",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = no swap, OOM kill.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Sketch binary, read-only ---
		"--volume", workDir + ":" + sketchMount + ":ro",
		"--workdir", sketchMount,

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "TERM=dumb",

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",

		r.config.Image,
		sketchMount + "/" + binary,
	}
}

// forceRemoveContainer removes a container by name. Best-effort; errors
// other than "already gone" are logged.
func (r *DockerRunner) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		r.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// dockerProcess is one live containerized sketch.
type dockerProcess struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	limiter *outputLimiter
	done    chan ExitStatus

	mu     sync.Mutex
	killed bool
}

func (p *dockerProcess) Stdin() io.Writer        { return p.stdin }
func (p *dockerProcess) Done() <-chan ExitStatus { return p.done }

func (p *dockerProcess) Pause() error {
	return dockerCommand("pause", p.name)
}

func (p *dockerProcess) Resume() error {
	return dockerCommand("unpause", p.name)
}

// Kill terminates the container. Safe to call multiple times and after exit.
func (p *dockerProcess) Kill() error {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	if err := dockerCommand("kill", p.name); err != nil {
		// The container may have exited on its own; make sure the docker
		// client process is gone either way.
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
	return nil
}

func (p *dockerProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func dockerCommand(verb, container string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", verb, container).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker %s %s: %v: %s", verb, container, err, bytes.TrimSpace(out))
	}
	return nil
}

// generateContainerName returns a unique name: unosim-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "unosim-sbx-" + hex.EncodeToString(b), nil
}
