// Package board tracks the simulated UNO's pin state and the per-run
// I/O registry. All state is per-session: a fresh Board and collector
// are created at session start and discarded at session end.
package board

import (
	"fmt"
	"sync"

	"github.com/jkaninda/unosim/internal/protocol"
)

// PinCount covers digital 0–13 plus analog A0–A5 mapped to 14–19.
const PinCount = 20

// PinMode is the configured direction of a pin.
type PinMode string

const (
	ModeUndefined   PinMode = "undefined"
	ModeInput       PinMode = "input"
	ModeOutput      PinMode = "output"
	ModeInputPullup PinMode = "input_pullup"
)

// ValueKind tags how a pin's current value should be interpreted.
type ValueKind string

const (
	ValueDigital ValueKind = "digital" // 0 or 1
	ValueAnalog  ValueKind = "analog"  // 0–1023
	ValuePWM     ValueKind = "pwm"     // 0–255
)

// PinRecord is the live state of one simulated pin.
type PinRecord struct {
	Pin   int       `json:"pin"`
	Label string    `json:"label"`
	Mode  PinMode   `json:"mode"`
	Value int       `json:"value"`
	Kind  ValueKind `json:"kind"`
}

// Label returns the display name for a pin: "0".."13" or "A0".."A5".
func Label(pin int) string {
	if pin >= 14 && pin < PinCount {
		return fmt.Sprintf("A%d", pin-14)
	}
	return fmt.Sprintf("%d", pin)
}

// Board holds the pin records for one session. Safe for concurrent use:
// the session dispatch loop mutates while the gateway reads snapshots.
type Board struct {
	mu   sync.RWMutex
	pins [PinCount]PinRecord
}

// New creates a Board with all pins undefined.
func New() *Board {
	b := &Board{}
	for i := range b.pins {
		b.pins[i] = PinRecord{
			Pin:   i,
			Label: Label(i),
			Mode:  ModeUndefined,
			Kind:  ValueDigital,
		}
	}
	return b
}

// Apply folds one decoded pin state marker into the board.
// Out-of-range pins are ignored.
func (b *Board) Apply(ps protocol.PinState) {
	if ps.Pin < 0 || ps.Pin >= PinCount {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := &b.pins[ps.Pin]
	switch ps.Kind {
	case protocol.PinKindMode:
		rec.Mode = modeFromWire(ps.Value)
	case protocol.PinKindValue:
		rec.Value = ps.Value
		if ps.Value > 1 {
			rec.Kind = ValueAnalog
		} else {
			rec.Kind = ValueDigital
		}
	case protocol.PinKindPWM:
		rec.Value = ps.Value
		rec.Kind = ValuePWM
	}
}

// Pin returns a copy of one pin record.
func (b *Board) Pin(pin int) (PinRecord, bool) {
	if pin < 0 || pin >= PinCount {
		return PinRecord{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pins[pin], true
}

// Snapshot returns a copy of all pin records.
func (b *Board) Snapshot() []PinRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PinRecord, PinCount)
	copy(out, b.pins[:])
	return out
}

// modeFromWire maps the marker's numeric mode: 0=INPUT, 1=OUTPUT, 2=INPUT_PULLUP.
func modeFromWire(v int) PinMode {
	switch v {
	case 0:
		return ModeInput
	case 1:
		return ModeOutput
	case 2:
		return ModeInputPullup
	default:
		return ModeUndefined
	}
}
