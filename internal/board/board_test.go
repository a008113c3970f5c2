package board

import (
	"testing"

	"github.com/jkaninda/unosim/internal/protocol"
)

func TestBoard_ApplyModeAndValue(t *testing.T) {
	b := New()

	b.Apply(protocol.PinState{Pin: 13, Kind: protocol.PinKindMode, Value: 1})
	b.Apply(protocol.PinState{Pin: 13, Kind: protocol.PinKindValue, Value: 1})

	rec, ok := b.Pin(13)
	if !ok {
		t.Fatal("pin 13 not found")
	}
	if rec.Mode != ModeOutput {
		t.Errorf("mode = %q, want output", rec.Mode)
	}
	if rec.Value != 1 || rec.Kind != ValueDigital {
		t.Errorf("value = %d (%s), want 1 (digital)", rec.Value, rec.Kind)
	}
}

func TestBoard_AnalogAndPWM(t *testing.T) {
	b := New()

	b.Apply(protocol.PinState{Pin: 14, Kind: protocol.PinKindValue, Value: 512})
	if rec, _ := b.Pin(14); rec.Kind != ValueAnalog || rec.Value != 512 {
		t.Errorf("A0 = %d (%s), want 512 (analog)", rec.Value, rec.Kind)
	}

	b.Apply(protocol.PinState{Pin: 9, Kind: protocol.PinKindPWM, Value: 200})
	if rec, _ := b.Pin(9); rec.Kind != ValuePWM || rec.Value != 200 {
		t.Errorf("pin 9 = %d (%s), want 200 (pwm)", rec.Value, rec.Kind)
	}
}

func TestBoard_OutOfRangeIgnored(t *testing.T) {
	b := New()
	b.Apply(protocol.PinState{Pin: 42, Kind: protocol.PinKindValue, Value: 1})
	b.Apply(protocol.PinState{Pin: -1, Kind: protocol.PinKindValue, Value: 1})

	for _, rec := range b.Snapshot() {
		if rec.Value != 0 {
			t.Errorf("pin %d mutated by out-of-range apply", rec.Pin)
		}
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		pin  int
		want string
	}{
		{0, "0"}, {13, "13"}, {14, "A0"}, {19, "A5"},
	}
	for _, tt := range tests {
		if got := Label(tt.pin); got != tt.want {
			t.Errorf("Label(%d) = %q, want %q", tt.pin, got, tt.want)
		}
	}
}

func TestRegistry_WindowLifecycle(t *testing.T) {
	c := NewRegistryCollector()

	// Fragment before the window opens is dropped.
	if c.Add(protocol.IOPin{Pin: "13"}) {
		t.Error("Add before Open should be rejected")
	}

	c.Open()
	if !c.Add(protocol.IOPin{Pin: "13", Mode: "OUTPUT"}) {
		t.Error("Add inside window rejected")
	}
	if !c.Add(protocol.IOPin{Pin: "13", Mode: "INPUT"}) {
		t.Error("duplicate pin entry rejected; duplicates must be retained")
	}

	pins, ok := c.Close()
	if !ok {
		t.Fatal("Close returned no registry")
	}
	if len(pins) != 2 {
		t.Fatalf("got %d entries, want 2 (duplicates retained)", len(pins))
	}
	if pins[0].Mode != "OUTPUT" || pins[1].Mode != "INPUT" {
		t.Error("entries not in observed order")
	}

	// Defensive flush after a clean close delivers nothing.
	if _, ok := c.Flush(); ok {
		t.Error("Flush after Close should deliver nothing")
	}
}

// A process killed mid-emission still yields the partial registry.
func TestRegistry_FlushSurvivesMissingEnd(t *testing.T) {
	c := NewRegistryCollector()
	c.Open()
	c.Add(protocol.IOPin{Pin: "7", Mode: "INPUT"})

	pins, ok := c.Flush()
	if !ok || len(pins) != 1 {
		t.Fatalf("Flush = (%v, %v), want partial registry of 1", pins, ok)
	}
	if _, ok := c.Flush(); ok {
		t.Error("second Flush should deliver nothing")
	}
}

func TestRegistry_CloseWithoutOpen(t *testing.T) {
	c := NewRegistryCollector()
	if _, ok := c.Close(); ok {
		t.Error("Close without Open should report no window")
	}
}
