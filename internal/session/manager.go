package session

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/unosim/internal/cleanup"
	"github.com/jkaninda/unosim/internal/compiler"
	"github.com/jkaninda/unosim/internal/observability"
	"github.com/jkaninda/unosim/internal/sandbox"
)

// Manager tracks all live sessions. Sessions are fully independent; the
// manager only owns the id map and shutdown fan-out.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	compiler  *compiler.Compiler
	runner    sandbox.Runner
	reclaimer *cleanup.Reclaimer
	metrics   *observability.MetricsCollector
	tracer    trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. tracer may be nil.
func NewManager(cfg Config, c *compiler.Compiler, r sandbox.Runner, rec *cleanup.Reclaimer,
	m *observability.MetricsCollector, logger *slog.Logger, tracer trace.Tracer) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		compiler:  c,
		runner:    r,
		reclaimer: rec,
		metrics:   m,
		tracer:    tracer,
		sessions:  make(map[string]*Session),
	}
}

// Create registers a new session under id, replacing and stopping any
// prior session with the same id.
func (m *Manager) Create(id string, n Notifier) *Session {
	s := New(id, m.compiler, m.runner, m.reclaimer, m.metrics, n, m.cfg, m.logger, m.tracer)

	m.mu.Lock()
	prev := m.sessions[id]
	m.sessions[id] = s
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	return s
}

// Get returns the session for id, if present.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove stops and unregisters a session, typically on client disconnect.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StopAll stops every session and waits for their teardown. Used at
// server shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Stop()
	}
	for _, s := range all {
		<-s.Done()
	}
	m.logger.Info("all sessions stopped", slog.Int("count", len(all)))
}
