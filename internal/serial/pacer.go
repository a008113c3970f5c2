package serial

import (
	"sync"
	"time"
)

const (
	// BitsPerFrame models one start bit + 8 data bits + 1 stop bit per byte.
	BitsPerFrame = 10

	// DefaultBufferSize is the transmit buffer capacity in bytes. Bytes
	// arriving on a full buffer are dropped, the way a real UART's blocking
	// transmit applies backpressure instead of growing without bound.
	DefaultBufferSize = 1000

	// DefaultBaudRate matches Serial.begin(9600).
	DefaultBaudRate = 9600

	minCharDelay = time.Millisecond
)

// CharDelay returns the per-character release delay for a baud rate:
// max(1ms, BitsPerFrame × 1000 / baud) milliseconds. Downstream timing
// tests depend on this exact shape.
func CharDelay(baud int) time.Duration {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	d := time.Duration(float64(BitsPerFrame) * 1000 / float64(baud) * float64(time.Millisecond))
	if d < minCharDelay {
		d = minCharDelay
	}
	return d
}

// Pacer releases buffered serial bytes one character at a time, gated by
// the baud-rate delay. Pausing halts release at the current buffer
// position; resuming continues from it — no byte is replayed or skipped.
type Pacer struct {
	baud     int
	capacity int
	emit     func(b byte, buffered int)

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	paused  bool
	stopped bool
	dropped int

	done chan struct{}
}

// NewPacer creates a Pacer and starts its release loop. emit is invoked
// from the loop goroutine, one byte at a time, in enqueue order.
func NewPacer(baud, capacity int, emit func(b byte, buffered int)) *Pacer {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	p := &Pacer{
		baud:     baud,
		capacity: capacity,
		emit:     emit,
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.loop()
	return p
}

// BaudRate returns the configured baud rate.
func (p *Pacer) BaudRate() int { return p.baud }

// Capacity returns the transmit buffer capacity.
func (p *Pacer) Capacity() int { return p.capacity }

// Buffered returns the current buffer occupancy.
func (p *Pacer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Dropped returns the cumulative count of bytes lost to a full buffer.
func (p *Pacer) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Enqueue appends data to the transmit buffer. Bytes beyond the remaining
// capacity are dropped. Returns how many bytes were accepted.
func (p *Pacer) Enqueue(data []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return 0
	}
	room := p.capacity - len(p.buf)
	if room <= 0 {
		p.dropped += len(data)
		return 0
	}
	accepted := data
	if len(data) > room {
		accepted = data[:room]
		p.dropped += len(data) - room
	}
	p.buf = append(p.buf, accepted...)
	p.cond.Signal()
	return len(accepted)
}

// Pause halts character release at the current buffer position.
func (p *Pacer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume continues release from where Pause left off.
func (p *Pacer) Resume() {
	p.mu.Lock()
	p.paused = false
	p.cond.Signal()
	p.mu.Unlock()
}

// Stop halts the pacer immediately and permanently. Idempotent.
func (p *Pacer) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.done)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Drain blocks until the buffer is empty, the pacer is stopped, or the
// timeout elapses. Used at session exit to flush undelivered output.
func (p *Pacer) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		empty := len(p.buf) == 0
		stopped := p.stopped
		p.mu.Unlock()
		if empty || stopped {
			return empty
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(minCharDelay)
	}
}

func (p *Pacer) loop() {
	delay := CharDelay(p.baud)
	for {
		p.mu.Lock()
		for (len(p.buf) == 0 || p.paused) && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		b := p.buf[0]
		p.buf = p.buf[1:]
		buffered := len(p.buf)
		p.mu.Unlock()

		p.emit(b, buffered)

		select {
		case <-p.done:
			return
		case <-time.After(delay):
		}
	}
}
