package serial

import (
	"sync"
	"testing"
	"time"
)

// collector gathers emitted bytes from the pacer loop.
type collector struct {
	mu    sync.Mutex
	bytes []byte
}

func (c *collector) emit(b byte, _ int) {
	c.mu.Lock()
	c.bytes = append(c.bytes, b)
	c.mu.Unlock()
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.bytes)
}

// wantCharDelay computes the expected delay with a runtime divisor: the
// all-constant form does not compile because the non-integer float constant
// cannot be converted to time.Duration.
func wantCharDelay(baud int) time.Duration {
	return time.Duration(float64(10*1000) / float64(baud) * float64(time.Millisecond))
}

func TestCharDelay_Formula(t *testing.T) {
	tests := []struct {
		baud int
		want time.Duration
	}{
		{300, wantCharDelay(300)},
		{1200, wantCharDelay(1200)},
		{9600, wantCharDelay(9600)},
		// High baud rates clamp at the 1ms floor.
		{115200, time.Millisecond},
		{1000000, time.Millisecond},
		// Defensive default for a nonsensical rate.
		{0, CharDelay(DefaultBaudRate)},
	}
	for _, tt := range tests {
		if got := CharDelay(tt.baud); got != tt.want {
			t.Errorf("CharDelay(%d) = %v, want %v", tt.baud, got, tt.want)
		}
	}
}

func TestPacer_EmitsInOrder(t *testing.T) {
	var c collector
	p := NewPacer(1000000, 16, c.emit)
	defer p.Stop()

	p.Enqueue([]byte("abc"))
	if !p.Drain(2 * time.Second) {
		t.Fatal("pacer did not drain")
	}
	// The final byte's emit may still be in flight after Drain sees an
	// empty buffer; give the loop a beat.
	deadline := time.Now().Add(time.Second)
	for c.String() != "abc" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.String(); got != "abc" {
		t.Errorf("emitted %q, want %q", got, "abc")
	}
}

func TestPacer_OverflowDropsBytes(t *testing.T) {
	p := NewPacer(1000000, 4, func(byte, int) {})
	p.Pause() // Hold the buffer full.
	defer p.Stop()

	if n := p.Enqueue([]byte("abcd")); n != 4 {
		t.Fatalf("accepted %d, want 4", n)
	}
	if n := p.Enqueue([]byte("xyz")); n != 0 {
		t.Errorf("accepted %d into a full buffer, want 0", n)
	}
	if got := p.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestPacer_PartialAccept(t *testing.T) {
	p := NewPacer(1000000, 4, func(byte, int) {})
	p.Pause()
	defer p.Stop()

	if n := p.Enqueue([]byte("abcdef")); n != 4 {
		t.Errorf("accepted %d, want 4", n)
	}
	if got := p.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

// Pausing halts release at the current position; resuming continues from
// it. No byte is replayed or skipped.
func TestPacer_PauseResumeNoReplayNoSkip(t *testing.T) {
	var c collector
	p := NewPacer(1000000, 64, c.emit)
	defer p.Stop()

	p.Pause()
	p.Enqueue([]byte("hello world"))

	// Nothing may be released while paused.
	time.Sleep(20 * time.Millisecond)
	if got := c.String(); got != "" {
		t.Fatalf("released %q while paused", got)
	}

	p.Resume()
	if !p.Drain(2 * time.Second) {
		t.Fatal("pacer did not drain after resume")
	}
	deadline := time.Now().Add(time.Second)
	for c.String() != "hello world" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.String(); got != "hello world" {
		t.Errorf("emitted %q, want %q (no replay, no skip)", got, "hello world")
	}
}

func TestPacer_StopIsIdempotent(t *testing.T) {
	p := NewPacer(9600, 8, func(byte, int) {})
	p.Stop()
	p.Stop() // Must not panic on a second stop.

	if n := p.Enqueue([]byte("x")); n != 0 {
		t.Errorf("enqueue after stop accepted %d bytes", n)
	}
}
