// Package session binds one sandbox process, one protocol decoder, and
// one serial framing pipeline per active client simulation. Each Session
// is an independent instance constructed at start and discarded at end;
// nothing is shared for mutation across sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/unosim/internal/board"
	"github.com/jkaninda/unosim/internal/cleanup"
	"github.com/jkaninda/unosim/internal/compiler"
	"github.com/jkaninda/unosim/internal/decoder"
	"github.com/jkaninda/unosim/internal/observability"
	"github.com/jkaninda/unosim/internal/protocol"
	"github.com/jkaninda/unosim/internal/sandbox"
	"github.com/jkaninda/unosim/internal/serial"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateCompiling    State = "compiling"
	StateCompileError State = "compile_error"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopped      State = "stopped"
	StateExited       State = "exited"
	StateTimedOut     State = "timed_out"
	StateKilled       State = "killed"
	StateOutputLimit  State = "output_limit"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateCompileError, StateStopped, StateExited, StateTimedOut, StateKilled, StateOutputLimit:
		return true
	}
	return false
}

// Notifier receives client-facing session events. Implementations must be
// safe for concurrent use; events within one session arrive in order.
type Notifier interface {
	CompileStatus(protocol.CompileStatusPayload)
	CompileError(protocol.CompileErrorPayload)
	SerialEvent(protocol.SerialEventPayload)
	PinState(protocol.PinStatePayload)
	IORegistry(protocol.IORegistryPayload)
	SimStatus(protocol.SimStatusPayload)
	Error(protocol.ErrorPayload)
}

// Config tunes per-session behavior.
type Config struct {
	// Limits applies to every sandboxed run.
	Limits sandbox.ResourceLimits `yaml:"-"`
	// Anomaly, when set, tracks compile/run error rates. Nil-safe.
	Anomaly *observability.AnomalyDetector `yaml:"-"`
	// SerialBuffer is the pacer transmit buffer size. 0 = default.
	SerialBuffer int `yaml:"serialBuffer"`
	// DrainTimeout bounds the final output flush at exit.
	DrainTimeout time.Duration `yaml:"drainTimeout"`
	// StopWait bounds how long a restart waits for the prior run to end.
	StopWait time.Duration `yaml:"stopWait"`
}

func (c Config) drainTimeout() time.Duration {
	if c.DrainTimeout <= 0 {
		return 2 * time.Second
	}
	return c.DrainTimeout
}

func (c Config) stopWait() time.Duration {
	if c.StopWait <= 0 {
		return 5 * time.Second
	}
	return c.StopWait
}

// Session is one simulation run lifecycle for one client.
type Session struct {
	ID string

	cfg       Config
	logger    *slog.Logger
	notifier  Notifier
	compiler  *compiler.Compiler
	runner    sandbox.Runner
	reclaimer *cleanup.Reclaimer
	metrics   *observability.MetricsCollector
	tracer    trace.Tracer

	mu    sync.Mutex
	state State
	run   *run
}

// run is the per-start mutable state, replaced wholesale on restart.
type run struct {
	cancelCompile  context.CancelFunc
	proc           sandbox.Process
	stdin          io.Writer
	pacer          *serial.Pacer
	terminal       *serial.Terminal
	board          *board.Board
	collector      *board.RegistryCollector
	dec            *decoder.Decoder
	events         chan any
	finished       chan struct{}
	timer          *time.Timer
	deadline       time.Time
	remaining      time.Duration
	timeoutSeconds int
	timedOut       bool
	stopRequested  bool
	buildDir       string
	startAt        time.Time
}

// Internal dispatch-loop events.
type chunkEvent struct {
	stream decoder.Stream
	data   []byte
}

type exitEvent struct {
	status sandbox.ExitStatus
}

// chunkWriter forwards raw sandbox output into the dispatch loop, so the
// decoder is only ever touched from one goroutine.
type chunkWriter struct {
	stream decoder.Stream
	events chan<- any
}

func (w chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	w.events <- chunkEvent{stream: w.stream, data: data}
	return len(p), nil
}

// New creates a Session. tracer may be nil.
func New(id string, c *compiler.Compiler, r sandbox.Runner, rec *cleanup.Reclaimer,
	m *observability.MetricsCollector, n Notifier, cfg Config, logger *slog.Logger, tracer trace.Tracer) *Session {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("unosim")
	}
	return &Session{
		ID:        id,
		cfg:       cfg,
		logger:    logger.With(slog.String("session", id)),
		notifier:  n,
		compiler:  c,
		runner:    r,
		reclaimer: rec,
		metrics:   m,
		tracer:    tracer,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Board returns the live pin state of the current run, or nil.
func (s *Session) Board() *board.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.board
}

// Lines returns the terminal view of the current run.
func (s *Session) Lines() []serial.Line {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil || r.terminal == nil {
		return nil
	}
	return r.terminal.Lines()
}

// Done returns a channel closed when the current run fully ends. Returns
// a closed channel when nothing is running.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.run.finished
}

// Start compiles and launches a simulation. A run already in progress is
// fully stopped first, so at most one subprocess exists per session.
func (s *Session) Start(ctx context.Context, req protocol.StartRequest) {
	s.stopAndWait()

	cctx, cancel := context.WithCancel(ctx)
	r := &run{
		cancelCompile:  cancel,
		events:         make(chan any, 256),
		finished:       make(chan struct{}),
		timeoutSeconds: req.TimeoutSeconds,
	}

	s.mu.Lock()
	s.run = r
	s.state = StateCompiling
	s.mu.Unlock()

	s.notifier.CompileStatus(protocol.CompileStatusPayload{State: "compiling"})
	go s.launch(cctx, req, r)
}

// stopAndWait stops any in-progress run and waits for its teardown.
func (s *Session) stopAndWait() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return
	}
	s.Stop()
	select {
	case <-r.finished:
	case <-time.After(s.cfg.stopWait()):
		s.logger.Warn("previous run did not finish before restart")
	}
}

func (s *Session) launch(ctx context.Context, req protocol.StartRequest, r *run) {
	ctx, span := s.tracer.Start(ctx, "sim.compile",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	compileStart := time.Now()
	res, err := s.compiler.Compile(ctx, req.Source)
	span.End()
	s.metrics.CompileDuration.Observe(time.Since(compileStart).Seconds())

	if err != nil {
		if errors.Is(err, compiler.ErrCanceled) || s.stopWasRequested(r) {
			s.metrics.CompilesTotal.WithLabelValues("canceled").Inc()
			s.finishWithout(r, StateStopped, "")
			return
		}
		s.metrics.CompilesTotal.WithLabelValues("error").Inc()
		s.logger.Error("compile infrastructure failure", slog.Any("error", err))
		s.notifier.Error(protocol.ErrorPayload{Phase: "compile", Message: err.Error()})
		s.finishWithout(r, StateCompileError, "")
		return
	}
	if !res.OK {
		s.metrics.CompilesTotal.WithLabelValues("compile_error").Inc()
		s.cfg.Anomaly.RecordError("compile")
		s.notifier.CompileError(protocol.CompileErrorPayload{Diagnostics: res.Diagnostics})
		r.buildDir = res.BuildDir
		s.finishWithout(r, StateCompileError, "")
		return
	}
	s.metrics.CompilesTotal.WithLabelValues("success").Inc()
	s.cfg.Anomaly.RecordSuccess("compile")
	s.notifier.CompileStatus(protocol.CompileStatusPayload{State: "success", Usage: res.Usage})

	if s.stopWasRequested(r) {
		s.finishWithout(r, StateStopped, "")
		return
	}

	r.board = board.New()
	r.collector = board.NewRegistryCollector()
	r.terminal = serial.NewTerminal()
	r.pacer = serial.NewPacer(req.BaudRate, s.cfg.SerialBuffer, s.pacedEmit(r))
	r.buildDir = res.BuildDir
	r.startAt = time.Now()
	r.dec = decoder.New(r.startAt, s.logger, func(e decoder.Event) {
		s.handleDecoded(r, e)
	})

	runCtx, span := s.tracer.Start(context.WithoutCancel(ctx), "sim.run",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	proc, err := s.runner.Start(runCtx, sandbox.StartRequest{
		Binary:  res.Binary,
		WorkDir: res.BuildDir,
		Stdout:  chunkWriter{stream: decoder.Stdout, events: r.events},
		Stderr:  chunkWriter{stream: decoder.Stderr, events: r.events},
		Limits:  s.cfg.Limits,
	})
	if err != nil {
		s.metrics.SandboxStartsTotal.WithLabelValues(s.runner.Kind(), "error").Inc()
		s.logger.Error("sandbox spawn failed", slog.Any("error", err))
		s.notifier.Error(protocol.ErrorPayload{Phase: "spawn", Message: "execution environment unavailable"})
		r.pacer.Stop()
		s.finishWithout(r, StateStopped, "spawn failed")
		return
	}
	s.metrics.SandboxStartsTotal.WithLabelValues(s.runner.Kind(), "ok").Inc()
	s.metrics.SessionsActive.Inc()

	s.mu.Lock()
	r.proc = proc
	r.stdin = proc.Stdin()
	s.state = StateRunning
	if req.TimeoutSeconds > 0 {
		d := time.Duration(req.TimeoutSeconds) * time.Second
		r.deadline = time.Now().Add(d)
		r.timer = time.AfterFunc(d, func() { s.onTimeout(r) })
	} else {
		s.logger.Warn("run timeout disabled, safety net off")
	}
	stopped := r.stopRequested
	s.mu.Unlock()

	s.notifier.SimStatus(protocol.SimStatusPayload{State: string(StateRunning)})
	if stopped {
		_ = proc.Kill()
	}

	go func() {
		r.events <- exitEvent{status: <-proc.Done()}
	}()

	for ev := range r.events {
		switch e := ev.(type) {
		case chunkEvent:
			r.dec.Write(e.stream, e.data)
		case exitEvent:
			s.finishRun(r, e.status)
			return
		}
	}
}

func (s *Session) stopWasRequested(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.stopRequested
}

// finishWithout ends a run that never reached a live subprocess.
func (s *Session) finishWithout(r *run, state State, reason string) {
	s.mu.Lock()
	s.state = state
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()

	if r.buildDir != "" {
		s.reclaimer.Release(r.buildDir)
	}
	s.notifier.SimStatus(protocol.SimStatusPayload{State: string(state), Reason: reason})
	close(r.finished)
}

// pacedEmit builds the pacer callback delivering one character at a time.
func (s *Session) pacedEmit(r *run) func(b byte, buffered int) {
	return func(b byte, buffered int) {
		s.metrics.SerialBytesPaced.Inc()
		s.notifier.SerialEvent(protocol.SerialEventPayload{
			Text:         string(rune(b)),
			WrittenAt:    time.Now().UTC(),
			BaudRate:     r.pacer.BaudRate(),
			BitsPerFrame: serial.BitsPerFrame,
			Buffered:     buffered,
			Capacity:     r.pacer.Capacity(),
			Dropped:      r.pacer.Dropped() > 0,
		})
	}
}

// handleDecoded runs on the dispatch loop for every classified event.
func (s *Session) handleDecoded(r *run, e decoder.Event) {
	switch ev := e.(type) {
	case decoder.Serial:
		r.terminal.Feed(string(ev.Payload))
		accepted := r.pacer.Enqueue(ev.Payload)
		if lost := len(ev.Payload) - accepted; lost > 0 {
			s.metrics.SerialBytesDropped.Add(float64(lost))
		}
	case decoder.Output:
		// Raw stdout that bypassed the serial marker path still shows
		// up in the terminal.
		text := ev.Text + "\n"
		r.terminal.Feed(text)
		accepted := r.pacer.Enqueue([]byte(text))
		if lost := len(text) - accepted; lost > 0 {
			s.metrics.SerialBytesDropped.Add(float64(lost))
		}
	case decoder.Diagnostic:
		s.notifier.Error(protocol.ErrorPayload{Phase: "run", Message: ev.Text})
	case decoder.Pin:
		r.board.Apply(ev.State)
		s.notifier.PinState(protocol.PinStatePayload{
			Pin:   ev.State.Pin,
			Kind:  ev.State.Kind,
			Value: ev.State.Value,
		})
	case decoder.RegistryStart:
		r.collector.Open()
	case decoder.RegistryPin:
		if !r.collector.Add(ev.Record) {
			s.logger.Debug("registry fragment outside collection window",
				slog.String("pin", ev.Record.Pin))
		}
	case decoder.RegistryEnd:
		if pins, ok := r.collector.Close(); ok {
			s.notifier.IORegistry(protocol.IORegistryPayload{Pins: pins})
		}
	}
}

// onTimeout fires from the run's timeout timer.
func (s *Session) onTimeout(r *run) {
	s.mu.Lock()
	if s.run != r || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	r.timedOut = true
	proc := r.proc
	s.mu.Unlock()

	s.logger.Info("run timeout expired, killing subprocess",
		slog.Int("timeoutSeconds", r.timeoutSeconds))
	if proc != nil {
		_ = proc.Kill()
	}
}

// finishRun tears down a run with a live subprocess. The final registry
// snapshot and buffered output are always delivered before the exit
// notification, on every exit path.
func (s *Session) finishRun(r *run, status sandbox.ExitStatus) {
	r.dec.Flush()
	if pins, ok := r.collector.Flush(); ok {
		s.notifier.IORegistry(protocol.IORegistryPayload{Pins: pins})
	}
	// Flush what the pacer still holds, even if the run ended paused.
	r.pacer.Resume()
	r.pacer.Drain(s.cfg.drainTimeout())
	r.pacer.Stop()

	s.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	outcome, reason, errPayload := s.classifyExit(r, status)
	s.state = outcome
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()

	if status.OutputLimitHit {
		s.metrics.OutputLimitKills.Inc()
	}
	s.metrics.SessionsActive.Dec()
	s.metrics.SessionsTotal.WithLabelValues(string(outcome)).Inc()
	s.metrics.SessionDuration.WithLabelValues(string(outcome)).Observe(status.Duration.Seconds())
	s.metrics.SandboxRunDuration.WithLabelValues(s.runner.Kind()).Observe(status.Duration.Seconds())

	if errPayload != nil {
		s.cfg.Anomaly.RecordError("run")
		s.notifier.Error(*errPayload)
	} else {
		s.cfg.Anomaly.RecordSuccess("run")
	}
	s.notifier.SimStatus(protocol.SimStatusPayload{State: string(outcome), Reason: reason})

	s.reclaimer.Release(r.buildDir)
	s.logger.Info("run finished",
		slog.String("outcome", string(outcome)),
		slog.Duration("duration", status.Duration))
	close(r.finished)
}

// classifyExit maps an exit status to the terminal outcome. Called with
// s.mu held.
func (s *Session) classifyExit(r *run, status sandbox.ExitStatus) (State, string, *protocol.ErrorPayload) {
	switch {
	case r.timedOut:
		reason := fmt.Sprintf("timeout after %ds", r.timeoutSeconds)
		return StateTimedOut, reason, &protocol.ErrorPayload{Phase: "timeout", Message: reason}
	case status.OutputLimitHit:
		msg := "output limit exceeded, process terminated"
		return StateOutputLimit, msg, &protocol.ErrorPayload{Phase: "output_limit", Message: msg}
	case r.stopRequested:
		return StateStopped, "", nil
	case status.Killed:
		return StateKilled, "", nil
	case status.Err != nil:
		return StateKilled, status.Err.Error(), &protocol.ErrorPayload{Phase: "run", Message: status.Err.Error()}
	case status.Code != 0:
		// A crash still counts as a termination, not a framework fault.
		return StateExited, fmt.Sprintf("exited with code %d", status.Code), nil
	default:
		return StateExited, "", nil
	}
}

// Stop forcibly ends the current run. Idempotent and safe in any state,
// including mid-compile.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	r.stopRequested = true
	if r.timer != nil {
		r.timer.Stop()
	}
	proc := r.proc
	cancel := r.cancelCompile
	state := s.state
	s.mu.Unlock()

	if state == StateCompiling && cancel != nil {
		cancel()
		return
	}
	if proc != nil {
		_ = proc.Kill()
	}
}

// Pause suspends the run and freezes the remaining timeout. Returns false
// if nothing is running.
func (s *Session) Pause() bool {
	s.mu.Lock()
	r := s.run
	if r == nil || s.state != StateRunning || r.proc == nil {
		s.mu.Unlock()
		return false
	}
	if err := r.proc.Pause(); err != nil {
		s.mu.Unlock()
		s.logger.Error("pause failed", slog.Any("error", err))
		return false
	}
	r.pacer.Pause()
	if r.timer != nil {
		r.timer.Stop()
		r.remaining = time.Until(r.deadline)
	}
	s.state = StatePaused
	s.mu.Unlock()

	s.notifier.SimStatus(protocol.SimStatusPayload{State: string(StatePaused)})
	return true
}

// Resume continues a paused run, restores the timeout from the frozen
// remainder, and nudges stdin to unblock a pending read. Returns false if
// not paused.
func (s *Session) Resume() bool {
	s.mu.Lock()
	r := s.run
	if r == nil || s.state != StatePaused {
		s.mu.Unlock()
		return false
	}
	if err := r.proc.Resume(); err != nil {
		s.mu.Unlock()
		s.logger.Error("resume failed", slog.Any("error", err))
		return false
	}
	if r.timer != nil {
		r.deadline = time.Now().Add(r.remaining)
		r.timer.Reset(r.remaining)
	}
	r.pacer.Resume()
	stdin := r.stdin
	s.state = StateRunning
	s.mu.Unlock()

	// A benign newline unblocks any read the sketch issued while paused.
	if stdin != nil {
		_, _ = io.WriteString(stdin, "\n")
	}
	s.notifier.SimStatus(protocol.SimStatusPayload{State: string(StateRunning)})
	return true
}

// InjectPinValue pushes an externally-set pin value into the running
// sketch. A no-op without a live process.
func (s *Session) InjectPinValue(pin, value int) {
	s.mu.Lock()
	r := s.run
	var stdin io.Writer
	if r != nil {
		stdin = r.stdin
	}
	s.mu.Unlock()

	if stdin == nil {
		s.logger.Info("pin injection without a live process ignored",
			slog.Int("pin", pin), slog.Int("value", value))
		return
	}
	if _, err := fmt.Fprintln(stdin, protocol.FormatSetPin(pin, value)); err != nil {
		s.logger.Warn("pin injection write failed", slog.Any("error", err))
	}
}

// InjectSerialInput feeds a line of text to the sketch. Ignored while
// paused or without a live process.
func (s *Session) InjectSerialInput(text string) {
	s.mu.Lock()
	r := s.run
	var stdin io.Writer
	if r != nil && s.state == StateRunning {
		stdin = r.stdin
	}
	s.mu.Unlock()

	if stdin == nil {
		return
	}
	if _, err := fmt.Fprintln(stdin, text); err != nil {
		s.logger.Warn("serial input write failed", slog.Any("error", err))
	}
}
