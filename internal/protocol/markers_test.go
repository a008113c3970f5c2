package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestParse_PinMarkers(t *testing.T) {
	tests := []struct {
		line string
		want PinState
	}{
		{"[[PIN_MODE:13:1]]", PinState{Pin: 13, Kind: PinKindMode, Value: 1}},
		{"[[PIN_VALUE:7:0]]", PinState{Pin: 7, Kind: PinKindValue, Value: 0}},
		{"[[PIN_PWM:9:128]]", PinState{Pin: 9, Kind: PinKindPWM, Value: 128}},
		{"[[PIN_VALUE:14:1023]]", PinState{Pin: 14, Kind: PinKindValue, Value: 1023}},
	}
	for _, tt := range tests {
		m, err := Parse(tt.line)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.line, err)
		}
		got, ok := m.(PinState)
		if !ok {
			t.Fatalf("Parse(%q) = %T, want PinState", tt.line, m)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestParse_RegistryLifecycle(t *testing.T) {
	if m, err := Parse("[[IO_REGISTRY_START]]"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := m.(RegistryStart); !ok {
		t.Errorf("got %T, want RegistryStart", m)
	}
	if m, err := Parse("[[IO_REGISTRY_END]]"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := m.(RegistryEnd); !ok {
		t.Errorf("got %T, want RegistryEnd", m)
	}
}

func TestParse_IOPin(t *testing.T) {
	m, err := Parse("[[IO_PIN:13:1:4:OUTPUT:digitalWrite@7:digitalWrite@9]]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := m.(IOPin)
	if !ok {
		t.Fatalf("got %T, want IOPin", m)
	}
	want := IOPin{
		Pin:     "13",
		Defined: true,
		Line:    4,
		Mode:    "OUTPUT",
		Ops: []PinOp{
			{Op: "digitalWrite", Line: 7},
			{Op: "digitalWrite", Line: 9},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse IO_PIN = %+v, want %+v", got, want)
	}
}

func TestParse_IOPin_NoOps(t *testing.T) {
	m, err := Parse("[[IO_PIN:A0:0:0:UNDEFINED:]]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := m.(IOPin)
	if got.Pin != "A0" || got.Defined || len(got.Ops) != 0 {
		t.Errorf("got %+v, want undefined A0 with no ops", got)
	}
}

func TestParse_SerialEvent(t *testing.T) {
	line := EncodeSerialEvent(1500, []byte("hello\n"))
	m, err := Parse(line)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev, ok := m.(SerialEvent)
	if !ok {
		t.Fatalf("got %T, want SerialEvent", m)
	}
	if ev.OffsetMs != 1500 {
		t.Errorf("offset = %d, want 1500", ev.OffsetMs)
	}
	if string(ev.Payload) != "hello\n" {
		t.Errorf("payload = %q, want %q", ev.Payload, "hello\n")
	}
}

// Serial payloads must round-trip arbitrary control bytes exactly —
// backspace, bell, tab, and carriage returns all survive the base64 hop.
func TestSerialEvent_ControlByteRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("\b\b\b"),
		[]byte("a\rb\tc\a"),
		[]byte{0x00, 0x08, 0x0c, 0x1b, 0x5b, 0x32, 0x4a},
		[]byte("Counting: 1\b2"),
	}
	for _, p := range payloads {
		m, err := Parse(EncodeSerialEvent(0, p))
		if err != nil {
			t.Fatalf("round trip %q: %v", p, err)
		}
		if got := m.(SerialEvent).Payload; !bytes.Equal(got, p) {
			t.Errorf("round trip = %q, want %q", got, p)
		}
	}
}

func TestParse_PlainTextIsNotMarker(t *testing.T) {
	lines := []string{
		"hello world",
		"error: something broke",
		"[[not a real marker",
		"[[UNKNOWN_KIND:1:2]]",
		"",
	}
	for _, line := range lines {
		if _, err := Parse(line); !errors.Is(err, ErrNotMarker) {
			t.Errorf("Parse(%q) err = %v, want ErrNotMarker", line, err)
		}
	}
}

// A valid marker prefix with a garbage body is malformed, not plain text.
// The decoder logs and drops these; they must never be classified as output.
func TestParse_MalformedBody(t *testing.T) {
	lines := []string{
		"[[PIN_MODE:abc:1]]",
		"[[PIN_VALUE:13]]",
		"[[IO_PIN:13:1]]",
		"[[SERIAL_EVENT:notanumber:aGk=]]",
		"[[SERIAL_EVENT:10:!!!not-base64!!!]]",
		"[[IO_PIN:13:1:4:OUTPUT:brokenpair]]",
	}
	for _, line := range lines {
		_, err := Parse(line)
		if err == nil {
			t.Errorf("Parse(%q): expected error, got nil", line)
			continue
		}
		if errors.Is(err, ErrNotMarker) {
			t.Errorf("Parse(%q): malformed marker misclassified as plain text", line)
		}
	}
}

func TestParse_TrailingCR(t *testing.T) {
	m, err := Parse("[[PIN_MODE:2:0]]\r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.(PinState); got.Pin != 2 {
		t.Errorf("pin = %d, want 2", got.Pin)
	}
}

func TestFormatSetPin(t *testing.T) {
	if got := FormatSetPin(7, 1023); got != "[[SET_PIN:7:1023]]" {
		t.Errorf("FormatSetPin = %q", got)
	}
}
