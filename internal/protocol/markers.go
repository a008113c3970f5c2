// Package protocol defines the wire contracts of the simulator: the
// bracket-delimited marker grammar embedded in subprocess output by the
// hardware mock layer, and the WebSocket message types of the session
// control surface. Both the firmware that emits markers and the decoder
// that parses them are implemented against this package — the grammar
// lives in exactly one place.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotMarker reports that a line is ordinary output, not a marker.
var ErrNotMarker = errors.New("protocol: not a marker line")

const (
	markerOpen  = "[["
	markerClose = "]]"
)

// PinKind classifies a pin state change.
type PinKind string

const (
	PinKindMode  PinKind = "mode"
	PinKindValue PinKind = "value"
	PinKindPWM   PinKind = "pwm"
)

// Marker is one decoded out-of-band token from subprocess output.
type Marker interface {
	marker()
}

// PinState reports a pin mode, value, or PWM change.
type PinState struct {
	Pin   int
	Kind  PinKind
	Value int
}

// RegistryStart opens an I/O registry collection window.
type RegistryStart struct{}

// RegistryEnd closes the current I/O registry collection window.
type RegistryEnd struct{}

// PinOp is one recorded pin operation with its source line.
type PinOp struct {
	Op   string `json:"op"`
	Line int    `json:"line"`
}

// IOPin is one registry fragment describing how a single pin is used.
type IOPin struct {
	Pin     string  `json:"pin"`
	Defined bool    `json:"defined"`
	Line    int     `json:"line"`
	Mode    string  `json:"mode"`
	Ops     []PinOp `json:"ops,omitempty"`
}

// SerialEvent is one serial write with its timestamp relative to process start.
type SerialEvent struct {
	OffsetMs int64
	Payload  []byte
}

// StdinRecv is the diagnostic echo of injected input. Log-only.
type StdinRecv struct {
	Echo string
}

func (PinState) marker()      {}
func (RegistryStart) marker() {}
func (RegistryEnd) marker()   {}
func (IOPin) marker()         {}
func (SerialEvent) marker()   {}
func (StdinRecv) marker()     {}

// Parse classifies one complete output line. It returns ErrNotMarker for
// ordinary text, and a descriptive error for a line with a valid marker
// prefix but an unparseable body (the caller logs and drops those).
func Parse(line string) (Marker, error) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, markerOpen) || !strings.HasSuffix(line, markerClose) {
		return nil, ErrNotMarker
	}
	body := line[len(markerOpen) : len(line)-len(markerClose)]

	kind, args, _ := strings.Cut(body, ":")
	switch kind {
	case "PIN_MODE":
		return parsePinState(PinKindMode, args)
	case "PIN_VALUE":
		return parsePinState(PinKindValue, args)
	case "PIN_PWM":
		return parsePinState(PinKindPWM, args)
	case "IO_REGISTRY_START":
		return RegistryStart{}, nil
	case "IO_REGISTRY_END":
		return RegistryEnd{}, nil
	case "IO_PIN":
		return parseIOPin(args)
	case "SERIAL_EVENT":
		return parseSerialEvent(args)
	case "STDIN_RECV":
		return StdinRecv{Echo: args}, nil
	default:
		return nil, ErrNotMarker
	}
}

func parsePinState(kind PinKind, args string) (Marker, error) {
	pinStr, valStr, ok := strings.Cut(args, ":")
	if !ok {
		return nil, fmt.Errorf("pin marker %s: missing value in %q", kind, args)
	}
	pin, err := strconv.Atoi(pinStr)
	if err != nil {
		return nil, fmt.Errorf("pin marker %s: bad pin %q", kind, pinStr)
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return nil, fmt.Errorf("pin marker %s: bad value %q", kind, valStr)
	}
	return PinState{Pin: pin, Kind: kind, Value: val}, nil
}

// parseIOPin parses `<pin>:<0|1>:<line>:<mode>:<op1@l1:op2@l2...>` positionally.
// The trailing operation list may be empty.
func parseIOPin(args string) (Marker, error) {
	fields := strings.SplitN(args, ":", 5)
	if len(fields) < 4 {
		return nil, fmt.Errorf("io_pin: want at least 4 fields, got %d in %q", len(fields), args)
	}

	defined := fields[1] == "1"
	line, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("io_pin: bad line number %q", fields[2])
	}

	rec := IOPin{
		Pin:     fields[0],
		Defined: defined,
		Line:    line,
		Mode:    fields[3],
	}

	if len(fields) == 5 && fields[4] != "" {
		for _, pair := range strings.Split(fields[4], ":") {
			op, lineStr, ok := strings.Cut(pair, "@")
			if !ok {
				return nil, fmt.Errorf("io_pin: bad operation pair %q", pair)
			}
			opLine, err := strconv.Atoi(lineStr)
			if err != nil {
				return nil, fmt.Errorf("io_pin: bad operation line %q", lineStr)
			}
			rec.Ops = append(rec.Ops, PinOp{Op: op, Line: opLine})
		}
	}
	return rec, nil
}

func parseSerialEvent(args string) (Marker, error) {
	tsStr, payload, ok := strings.Cut(args, ":")
	if !ok {
		return nil, fmt.Errorf("serial_event: missing payload in %q", args)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("serial_event: bad timestamp %q", tsStr)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("serial_event: bad base64 payload: %w", err)
	}
	return SerialEvent{OffsetMs: ts, Payload: data}, nil
}

// FormatSetPin renders the SET_PIN command written to subprocess stdin to
// inject an externally-set pin value.
func FormatSetPin(pin, value int) string {
	return fmt.Sprintf("[[SET_PIN:%d:%d]]", pin, value)
}

// EncodeSerialEvent renders a SERIAL_EVENT marker line. The firmware emits
// this form; having the encoder here lets tests hold both sides of the
// contract against one grammar.
func EncodeSerialEvent(offsetMs int64, payload []byte) string {
	return fmt.Sprintf("[[SERIAL_EVENT:%d:%s]]", offsetMs, base64.StdEncoding.EncodeToString(payload))
}
