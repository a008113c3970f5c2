package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message on the session control surface.
type MessageType string

const (
	// Client → Server
	MsgSimStart       MessageType = "sim.start"
	MsgSimStop        MessageType = "sim.stop"
	MsgSimPause       MessageType = "sim.pause"
	MsgSimResume      MessageType = "sim.resume"
	MsgSimSetPin      MessageType = "sim.set_pin"
	MsgSimSerialInput MessageType = "sim.serial_input"

	// Server → Client
	MsgSerialEvent   MessageType = "sim.serial_event"
	MsgPinState      MessageType = "sim.pin_state"
	MsgCompileStatus MessageType = "sim.compile_status"
	MsgCompileError  MessageType = "sim.compile_error"
	MsgIORegistry    MessageType = "sim.io_registry"
	MsgSimStatus     MessageType = "sim.status"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation.
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Client → Server payloads ---

// StartRequest is sent with MsgSimStart to begin a simulation.
type StartRequest struct {
	Source         string `json:"source"`
	BaudRate       int    `json:"baud_rate,omitempty"`       // 0 = 9600 default.
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // 0 = unlimited (safety net disabled).
}

// SetPinRequest injects an externally-set pin value into the running sketch.
type SetPinRequest struct {
	Pin   int `json:"pin"`
	Value int `json:"value"`
}

// SerialInputRequest feeds a line of text to the sketch's serial input.
type SerialInputRequest struct {
	Text string `json:"text"`
}

// --- Server → Client payloads ---

// SerialEventPayload is one paced unit of serial output.
type SerialEventPayload struct {
	Text         string    `json:"text"`
	WrittenAt    time.Time `json:"written_at"`
	BaudRate     int       `json:"baud_rate"`
	BitsPerFrame int       `json:"bits_per_frame"`
	Buffered     int       `json:"buffered"`
	Capacity     int       `json:"capacity"`
	Dropped      bool      `json:"dropped,omitempty"` // Buffer was full; bytes were lost.
}

// PinStatePayload reports one pin mode/value/pwm change.
type PinStatePayload struct {
	Pin   int     `json:"pin"`
	Kind  PinKind `json:"kind"`
	Value int     `json:"value"`
}

// CompileStatusPayload reports compilation progress.
type CompileStatusPayload struct {
	State string `json:"state"` // "compiling", "success"
	Usage string `json:"usage,omitempty"`
}

// CompileErrorPayload carries scrubbed toolchain diagnostics.
type CompileErrorPayload struct {
	Diagnostics string `json:"diagnostics"`
}

// IORegistryPayload is the collected pin usage registry for one run.
type IORegistryPayload struct {
	Pins []IOPin `json:"pins"`
}

// SimStatusPayload reports the session lifecycle state.
type SimStatusPayload struct {
	State  string `json:"state"` // "running", "paused", "stopped", ...
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is a session-level error with the phase that failed.
type ErrorPayload struct {
	Phase   string `json:"phase"` // "compile", "spawn", "run", "timeout", "output_limit"
	Message string `json:"message"`
}
