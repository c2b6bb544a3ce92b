package sample

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of samples kept for live plotting.
const DefaultHistorySize = 100

// Sample is one telemetry line reported by the handbrake controller.
type Sample struct {
	Sequence  uint64    // Monotonic counter, restarts at 1 on every connection
	Timestamp time.Time // Host time the line was received
	Raw       float64   // Unprocessed sensor reading
	Processed float64   // Reading after the device's own response curve
}

// History is a fixed-capacity FIFO of the most recent samples.
// Internally a ring buffer; externally samples are returned oldest first.
type History struct {
	mu    sync.RWMutex
	buf   []Sample
	start int // index of the oldest sample
	size  int
}

// NewHistory creates a History holding at most capacity samples.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		buf: make([]Sample, capacity),
	}
}

// Add appends a sample, evicting the oldest one when full.
func (h *History) Add(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return
	}

	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

// Samples returns a copy of the buffered samples, oldest first.
func (h *History) Samples() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Sample, h.size)
	for i := range h.size {
		result[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return result
}

// Latest returns the newest sample.
func (h *History) Latest() (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return Sample{}, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}

// Len returns the number of buffered samples.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the capacity of the buffer.
func (h *History) Cap() int {
	return len(h.buf)
}

// Reset drops all samples.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start = 0
	h.size = 0
}
