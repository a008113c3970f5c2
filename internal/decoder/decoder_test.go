package decoder

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/unosim/internal/protocol"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDecoder(t *testing.T) (*Decoder, *[]Event) {
	t.Helper()
	var events []Event
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(testStart, logger, func(e Event) {
		events = append(events, e)
	})
	return d, &events
}

func TestDecoder_ClassifiesLines(t *testing.T) {
	d, events := newTestDecoder(t)

	d.Write(Stdout, []byte("plain text\n"))
	d.Write(Stdout, []byte("[[PIN_MODE:13:1]]\n"))
	d.Write(Stderr, []byte("boom\n"))
	d.Write(Stdout, []byte("[[IO_REGISTRY_START]]\n[[IO_PIN:13:1:4:OUTPUT:]]\n[[IO_REGISTRY_END]]\n"))

	want := []Event{
		Output{Text: "plain text"},
		Pin{State: protocol.PinState{Pin: 13, Kind: protocol.PinKindMode, Value: 1}},
		Diagnostic{Text: "boom"},
		RegistryStart{},
		RegistryPin{Record: protocol.IOPin{Pin: "13", Defined: true, Line: 4, Mode: "OUTPUT"}},
		RegistryEnd{},
	}
	if len(*events) != len(want) {
		t.Fatalf("got %d events, want %d: %#v", len(*events), len(want), *events)
	}
	for i := range want {
		got, expected := (*events)[i], want[i]
		switch g := got.(type) {
		case RegistryPin:
			e := expected.(RegistryPin)
			if g.Record.Pin != e.Record.Pin || g.Record.Mode != e.Record.Mode {
				t.Errorf("event %d = %+v, want %+v", i, g, e)
			}
		default:
			if got != expected {
				t.Errorf("event %d = %+v, want %+v", i, got, expected)
			}
		}
	}
}

// A marker split across chunk boundaries must decode once the line is whole.
func TestDecoder_MarkerSplitAcrossChunks(t *testing.T) {
	d, events := newTestDecoder(t)

	d.Write(Stdout, []byte("[[PIN_VA"))
	if len(*events) != 0 {
		t.Fatalf("partial line classified early: %#v", *events)
	}
	d.Write(Stdout, []byte("LUE:7:1]]\n"))

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	pin, ok := (*events)[0].(Pin)
	if !ok || pin.State.Pin != 7 || pin.State.Value != 1 {
		t.Errorf("event = %#v, want PIN_VALUE 7:1", (*events)[0])
	}
}

// Markers may also split across the stdout/stderr flush boundary within
// one stream; each stream buffers independently.
func TestDecoder_StreamsBufferIndependently(t *testing.T) {
	d, events := newTestDecoder(t)

	d.Write(Stdout, []byte("out-partial"))
	d.Write(Stderr, []byte("err line\n"))
	d.Write(Stdout, []byte(" done\n"))

	if len(*events) != 2 {
		t.Fatalf("got %d events, want 2", len(*events))
	}
	if diag, ok := (*events)[0].(Diagnostic); !ok || diag.Text != "err line" {
		t.Errorf("event 0 = %#v, want stderr diagnostic", (*events)[0])
	}
	if out, ok := (*events)[1].(Output); !ok || out.Text != "out-partial done" {
		t.Errorf("event 1 = %#v, want joined stdout line", (*events)[1])
	}
}

func TestDecoder_CRLFLines(t *testing.T) {
	d, events := newTestDecoder(t)
	d.Write(Stdout, []byte("[[PIN_MODE:2:0]]\r\n"))
	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	if _, ok := (*events)[0].(Pin); !ok {
		t.Errorf("CRLF-terminated marker not decoded: %#v", (*events)[0])
	}
}

func TestDecoder_MalformedMarkerDropped(t *testing.T) {
	d, events := newTestDecoder(t)
	d.Write(Stderr, []byte("[[PIN_MODE:junk:junk]]\n"))
	if len(*events) != 0 {
		t.Errorf("malformed marker surfaced as event: %#v", *events)
	}
}

func TestDecoder_StdinRecvIsLogOnly(t *testing.T) {
	d, events := newTestDecoder(t)
	d.Write(Stdout, []byte("[[STDIN_RECV:hello]]\n"))
	if len(*events) != 0 {
		t.Errorf("STDIN_RECV surfaced as event: %#v", *events)
	}
}

// A batch of serial events is dispatched in write-timestamp order even if
// the transport delivered them out of order.
func TestDecoder_SerialBatchSortedByTimestamp(t *testing.T) {
	d, events := newTestDecoder(t)

	chunk := protocol.EncodeSerialEvent(300, []byte("c")) + "\n" +
		protocol.EncodeSerialEvent(100, []byte("a")) + "\n" +
		protocol.EncodeSerialEvent(200, []byte("b")) + "\n"
	d.Write(Stdout, []byte(chunk))

	if len(*events) != 3 {
		t.Fatalf("got %d events, want 3", len(*events))
	}
	var got string
	for _, e := range *events {
		s, ok := e.(Serial)
		if !ok {
			t.Fatalf("unexpected event %#v", e)
		}
		got += string(s.Payload)
	}
	if got != "abc" {
		t.Errorf("serial order = %q, want %q", got, "abc")
	}

	first := (*events)[0].(Serial)
	if want := testStart.Add(100 * time.Millisecond); !first.WrittenAt.Equal(want) {
		t.Errorf("WrittenAt = %v, want %v", first.WrittenAt, want)
	}
}

func TestDecoder_FlushClassifiesFinalPartialLine(t *testing.T) {
	d, events := newTestDecoder(t)

	d.Write(Stdout, []byte("no trailing newline"))
	if len(*events) != 0 {
		t.Fatal("partial line classified before flush")
	}
	d.Flush()
	if len(*events) != 1 {
		t.Fatalf("got %d events after flush, want 1", len(*events))
	}
	if out, ok := (*events)[0].(Output); !ok || out.Text != "no trailing newline" {
		t.Errorf("flushed event = %#v", (*events)[0])
	}

	// A second flush delivers nothing.
	d.Flush()
	if len(*events) != 1 {
		t.Error("second flush re-delivered output")
	}
}
