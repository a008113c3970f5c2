// Package decoder classifies raw subprocess output into typed events.
// Each complete line becomes exactly one of: plain output, a diagnostic,
// a pin-state change, a registry lifecycle signal, or a serial event.
// Protocol markers never leak to the human-facing streams.
package decoder

import (
	"bytes"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jkaninda/unosim/internal/protocol"
)

// Stream identifies which subprocess stream a chunk arrived on.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Event is one classified unit of subprocess output.
type Event interface {
	event()
}

// Output is a plain stdout line with no marker content.
type Output struct {
	Text string
}

// Diagnostic is a plain stderr line — a genuine error surface.
type Diagnostic struct {
	Text string
}

// Pin is a decoded pin-state change.
type Pin struct {
	State protocol.PinState
}

// RegistryStart signals an opening I/O registry collection window.
type RegistryStart struct{}

// RegistryEnd signals the window closing.
type RegistryEnd struct{}

// RegistryPin is one registry fragment to accumulate.
type RegistryPin struct {
	Record protocol.IOPin
}

// Serial is one serial write with its absolute write time.
type Serial struct {
	Payload   []byte
	WrittenAt time.Time
}

func (Output) event()        {}
func (Diagnostic) event()    {}
func (Pin) event()           {}
func (RegistryStart) event() {}
func (RegistryEnd) event()   {}
func (RegistryPin) event()   {}
func (Serial) event()        {}

// Decoder buffers partial lines per stream and classifies only complete
// lines, so markers split across chunk or flush boundaries decode once
// whole. Not safe for concurrent use; the session feeds it from a single
// dispatch loop.
type Decoder struct {
	start   time.Time // Process start; serial offsets are relative to it.
	logger  *slog.Logger
	emit    func(Event)
	partial [2][]byte
}

// New creates a Decoder. start anchors serial event timestamps; emit
// receives every classified event in order.
func New(start time.Time, logger *slog.Logger, emit func(Event)) *Decoder {
	return &Decoder{
		start:  start,
		logger: logger,
		emit:   emit,
	}
}

// Write consumes one raw chunk from the given stream. Complete lines are
// classified immediately; the trailing fragment is carried forward.
// Serial events found in the chunk are batched and dispatched in
// non-decreasing write-timestamp order after the other events.
func (d *Decoder) Write(stream Stream, chunk []byte) {
	buf := append(d.partial[stream], chunk...)

	var serials []Serial
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := string(buf[:idx])
		buf = buf[idx+1:]
		d.classify(stream, line, &serials)
	}
	d.partial[stream] = buf

	d.dispatchSerials(serials)
}

// Flush classifies any final unterminated line on both streams. Called at
// process exit so output without a trailing newline is not lost.
func (d *Decoder) Flush() {
	var serials []Serial
	for _, stream := range []Stream{Stdout, Stderr} {
		if len(d.partial[stream]) == 0 {
			continue
		}
		line := string(d.partial[stream])
		d.partial[stream] = nil
		d.classify(stream, line, &serials)
	}
	d.dispatchSerials(serials)
}

func (d *Decoder) classify(stream Stream, line string, serials *[]Serial) {
	m, err := protocol.Parse(line)
	if err != nil {
		if errors.Is(err, protocol.ErrNotMarker) {
			if stream == Stderr {
				d.emit(Diagnostic{Text: line})
			} else {
				d.emit(Output{Text: line})
			}
			return
		}
		// Malformed marker: right prefix, unparseable body. Logged and
		// dropped — never surfaced as a diagnostic, never fatal.
		d.logger.Warn("dropping malformed protocol marker",
			slog.String("error", err.Error()),
		)
		return
	}

	switch v := m.(type) {
	case protocol.PinState:
		d.emit(Pin{State: v})
	case protocol.RegistryStart:
		d.emit(RegistryStart{})
	case protocol.RegistryEnd:
		d.emit(RegistryEnd{})
	case protocol.IOPin:
		d.emit(RegistryPin{Record: v})
	case protocol.SerialEvent:
		*serials = append(*serials, Serial{
			Payload:   v.Payload,
			WrittenAt: d.start.Add(time.Duration(v.OffsetMs) * time.Millisecond),
		})
	case protocol.StdinRecv:
		d.logger.Debug("sketch acknowledged stdin", slog.String("echo", v.Echo))
	}
}

// dispatchSerials emits a batch in non-decreasing write-timestamp order.
// The sort is stable so equal timestamps keep arrival order.
func (d *Decoder) dispatchSerials(serials []Serial) {
	if len(serials) == 0 {
		return
	}
	sort.SliceStable(serials, func(i, j int) bool {
		return serials[i].WrittenAt.Before(serials[j].WrittenAt)
	})
	for _, s := range serials {
		d.emit(s)
	}
}
