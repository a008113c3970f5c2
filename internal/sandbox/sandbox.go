// Package sandbox provides isolated execution environments for compiled
// sketch binaries. All user code runs through a sandbox — never directly
// on the host. Unlike a batch executor, the runner streams output while
// the sketch is alive and supports pause/resume and external input.
package sandbox

import (
	"context"
	"io"
	"sync"
	"time"
)

const (
	defaultCPUSeconds = 60
	defaultMemoryMB   = 256

	// defaultMaxOutputBytes caps cumulative stdout+stderr. A sketch that
	// floods output is terminated, not buffered without bound.
	defaultMaxOutputBytes = 2 << 20 // 2 MB
)

// Runner starts sketch binaries in an isolated environment.
type Runner interface {
	// Start spawns the binary and begins streaming output. The returned
	// Process is live until its Done channel delivers an ExitStatus.
	Start(ctx context.Context, req StartRequest) (Process, error)

	// Kind reports the isolation level: "docker" or "process".
	Kind() string
}

// Process is one live sandboxed sketch.
type Process interface {
	// Stdin is the subprocess input stream, for SET_PIN commands and
	// injected serial input.
	Stdin() io.Writer

	// Pause suspends execution (stop-signal semantics).
	Pause() error

	// Resume continues a paused process.
	Resume() error

	// Kill forcibly terminates the process. Idempotent.
	Kill() error

	// Done delivers the terminal status exactly once.
	Done() <-chan ExitStatus
}

// StartRequest defines what to run and under what constraints.
type StartRequest struct {
	// Binary is the compiled sketch executable on the host filesystem.
	Binary string

	// WorkDir is the per-session build directory owning the binary.
	WorkDir string

	// Stdout and Stderr receive the raw output streams. Writes stop once
	// the cumulative output limit is hit.
	Stdout io.Writer
	Stderr io.Writer

	// Limits overrides resource limits. Zero values = runner defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process. These are fixed policy
// per deployment, not negotiated per sketch.
type ResourceLimits struct {
	MaxCPUSeconds  int   // CPU time ceiling.
	MaxMemoryMB    int   // Memory ceiling.
	MaxOutputBytes int64 // Cumulative stdout+stderr ceiling.
}

func (l ResourceLimits) withDefaults() ResourceLimits {
	if l.MaxCPUSeconds <= 0 {
		l.MaxCPUSeconds = defaultCPUSeconds
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = defaultMemoryMB
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = defaultMaxOutputBytes
	}
	return l
}

// ExitStatus is the terminal outcome of a sandboxed process.
type ExitStatus struct {
	Code           int           // Exit code; meaningless when Err is set.
	Err            error         // Spawn/wait failure other than a non-zero exit.
	OutputLimitHit bool          // Process was killed for flooding output.
	Killed         bool          // Process was killed by Kill().
	Duration       time.Duration // Wall clock from spawn to exit.
}

// outputLimiter enforces one cumulative byte ceiling across both output
// streams. The first write to breach the ceiling triggers onExceed once;
// all subsequent bytes are discarded.
type outputLimiter struct {
	mu        sync.Mutex
	remaining int64
	exceeded  bool
	onExceed  func()
}

func newOutputLimiter(limit int64, onExceed func()) *outputLimiter {
	return &outputLimiter{remaining: limit, onExceed: onExceed}
}

func (l *outputLimiter) Exceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exceeded
}

// wrap returns a writer that passes through to w under the shared limit.
func (l *outputLimiter) wrap(w io.Writer) io.Writer {
	return &limitedStream{limiter: l, w: w}
}

type limitedStream struct {
	limiter *outputLimiter
	w       io.Writer
}

func (s *limitedStream) Write(p []byte) (int, error) {
	l := s.limiter
	l.mu.Lock()
	if l.exceeded {
		l.mu.Unlock()
		return len(p), nil // Discard.
	}
	pass := p
	breach := int64(len(p)) > l.remaining
	if breach {
		pass = p[:l.remaining]
		l.exceeded = true
		l.remaining = 0
	} else {
		l.remaining -= int64(len(p))
	}
	onExceed := l.onExceed
	l.mu.Unlock()

	if len(pass) > 0 {
		if _, err := s.w.Write(pass); err != nil {
			return 0, err
		}
	}
	if breach && onExceed != nil {
		onExceed()
	}
	return len(p), nil
}
