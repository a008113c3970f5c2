// Package ws implements the WebSocket session endpoint. One connection
// carries one client: a session is created on accept, control messages
// are dispatched to it, and server events are serialized back to the
// client in arrival order through a single writer goroutine.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/unosim/internal/board"
	"github.com/jkaninda/unosim/internal/observability"
	"github.com/jkaninda/unosim/internal/protocol"
	"github.com/jkaninda/unosim/internal/session"
)

const (
	subprotocol = "unosim-v1"

	// outBufferSize bounds the per-connection outbound queue. Serial
	// output is already paced to baud rate upstream, so a full buffer
	// means the client stopped reading.
	outBufferSize = 256

	writeTimeout = 10 * time.Second
)

// Server upgrades HTTP connections and binds each one to a session.
type Server struct {
	manager *session.Manager
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewServer creates a WebSocket server on top of the session manager.
func NewServer(manager *session.Manager, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	return &Server{
		manager: manager,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	id := uuid.New().String()
	logger := s.logger.With(slog.String("session", id))

	s.metrics.WSConnectionsActive.Inc()
	defer s.metrics.WSConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &client{
		conn:      conn,
		out:       make(chan *protocol.Envelope, outBufferSize),
		sessionID: id,
		logger:    logger,
		metrics:   s.metrics,
	}
	go c.writeLoop(ctx)

	sess := s.manager.Create(id, c)
	defer s.manager.Remove(id)
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	logger.Info("client connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				logger.Info("client disconnected")
			} else {
				logger.Warn("client connection error", slog.String("error", err.Error()))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("invalid message from client", slog.String("error", err.Error()))
			c.sendError("request", "invalid message")
			continue
		}
		s.metrics.WSMessagesTotal.WithLabelValues("in", string(env.Type)).Inc()

		s.dispatch(ctx, sess, c, &env)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, c *client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgSimStart:
		var req protocol.StartRequest
		if err := env.Decode(&req); err != nil {
			c.sendError("request", "invalid start payload")
			return
		}
		if req.Source == "" {
			c.sendError("request", "source is required")
			return
		}
		if req.BaudRate < 0 || req.TimeoutSeconds < 0 {
			c.sendError("request", "baud_rate and timeout_seconds must not be negative")
			return
		}
		sess.Start(ctx, req)

	case protocol.MsgSimStop:
		sess.Stop()

	case protocol.MsgSimPause:
		if !sess.Pause() {
			c.sendError("request", "no running simulation to pause")
		}

	case protocol.MsgSimResume:
		if !sess.Resume() {
			c.sendError("request", "simulation is not paused")
		}

	case protocol.MsgSimSetPin:
		var req protocol.SetPinRequest
		if err := env.Decode(&req); err != nil {
			c.sendError("request", "invalid set_pin payload")
			return
		}
		if req.Pin < 0 || req.Pin >= board.PinCount {
			c.sendError("request", fmt.Sprintf("pin %d out of range", req.Pin))
			return
		}
		if req.Value < 0 || req.Value > 1023 {
			c.sendError("request", fmt.Sprintf("pin value %d out of range", req.Value))
			return
		}
		sess.InjectPinValue(req.Pin, req.Value)

	case protocol.MsgSimSerialInput:
		var req protocol.SerialInputRequest
		if err := env.Decode(&req); err != nil {
			c.sendError("request", "invalid serial_input payload")
			return
		}
		sess.InjectSerialInput(req.Text)

	default:
		c.logger.Warn("unknown message type from client", slog.String("type", string(env.Type)))
		c.sendError("request", fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// client is one connected WebSocket peer. It implements session.Notifier;
// every event is enqueued and written by a single goroutine, preserving
// per-session event order.
type client struct {
	conn      *websocket.Conn
	out       chan *protocol.Envelope
	sessionID string
	logger    *slog.Logger
	metrics   *observability.MetricsCollector
}

var _ session.Notifier = (*client)(nil)

func (c *client) CompileStatus(p protocol.CompileStatusPayload) { c.send(protocol.MsgCompileStatus, p) }
func (c *client) CompileError(p protocol.CompileErrorPayload)   { c.send(protocol.MsgCompileError, p) }
func (c *client) SerialEvent(p protocol.SerialEventPayload)     { c.send(protocol.MsgSerialEvent, p) }
func (c *client) PinState(p protocol.PinStatePayload)           { c.send(protocol.MsgPinState, p) }
func (c *client) IORegistry(p protocol.IORegistryPayload)       { c.send(protocol.MsgIORegistry, p) }
func (c *client) SimStatus(p protocol.SimStatusPayload)         { c.send(protocol.MsgSimStatus, p) }
func (c *client) Error(p protocol.ErrorPayload)                 { c.send(protocol.MsgError, p) }

func (c *client) sendError(phase, message string) {
	c.send(protocol.MsgError, protocol.ErrorPayload{Phase: phase, Message: message})
}

func (c *client) send(msgType protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		c.logger.Warn("encoding outbound message failed",
			slog.String("type", string(msgType)),
			slog.String("error", err.Error()),
		)
		return
	}
	env.SessionID = c.sessionID

	select {
	case c.out <- env:
	default:
		c.logger.Warn("outbound buffer full, dropping message",
			slog.String("type", string(msgType)))
	}
}

// writeLoop is the only goroutine writing to the connection.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.out:
			data, err := json.Marshal(env)
			if err != nil {
				c.logger.Warn("marshaling outbound message failed", slog.String("error", err.Error()))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("write failed, stopping writer", slog.String("error", err.Error()))
				return
			}
			c.metrics.WSMessagesTotal.WithLabelValues("out", string(env.Type)).Inc()
		}
	}
}
