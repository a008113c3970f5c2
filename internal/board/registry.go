package board

import (
	"sync"

	"github.com/jkaninda/unosim/internal/protocol"
)

// RegistryCollector accumulates I/O registry fragments emitted by the
// running sketch between IO_REGISTRY_START and IO_REGISTRY_END markers.
//
// Fragments arriving outside an open window are ignored. Repeated pinMode
// entries for the same pin are all retained in observed order — consumers
// detect conflicting modes from the duplicates, so nothing is deduplicated.
//
// Flush is the crash-safety valve: it returns whatever was collected even
// when the end marker never arrived, and is idempotent so the defensive
// flush at process exit delivers nothing after a clean window close.
type RegistryCollector struct {
	mu        sync.Mutex
	open      bool
	pins      []protocol.IOPin
	delivered bool
}

// NewRegistryCollector creates a collector with no open window.
func NewRegistryCollector() *RegistryCollector {
	return &RegistryCollector{}
}

// Open starts a collection window, discarding any prior undelivered state.
func (c *RegistryCollector) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	c.pins = nil
	c.delivered = false
}

// Add appends one fragment. Returns false if no window is open.
func (c *RegistryCollector) Add(p protocol.IOPin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	c.pins = append(c.pins, p)
	return true
}

// Close ends the window and returns the collected registry for delivery.
// Returns (nil, false) when no window was open.
func (c *RegistryCollector) Close() ([]protocol.IOPin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, false
	}
	c.open = false
	c.delivered = true
	return c.snapshotLocked(), true
}

// Flush returns any collected-but-undelivered registry. Used at process
// exit so a crash mid-emission still yields the partial registry.
func (c *RegistryCollector) Flush() ([]protocol.IOPin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered || len(c.pins) == 0 {
		return nil, false
	}
	c.open = false
	c.delivered = true
	return c.snapshotLocked(), true
}

func (c *RegistryCollector) snapshotLocked() []protocol.IOPin {
	out := make([]protocol.IOPin, len(c.pins))
	copy(out, c.pins)
	return out
}
