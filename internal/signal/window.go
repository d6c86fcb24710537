// Package signal turns windows of two-channel motion deltas into a single
// non-negative activation score.
package signal

import "sync"

// DefaultHistory is the number of samples retained per channel when a Window
// is created with a non-positive capacity.
const DefaultHistory = 512

// Window holds the most recent delta magnitudes for both sensor channels.
// One producer appends while the controller takes snapshots; the lock is only
// held for the copy.
type Window struct {
	mu       sync.Mutex
	capacity int
	ch1      []float64
	ch2      []float64
}

// NewWindow creates a Window retaining at most capacity samples per channel.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &Window{
		capacity: capacity,
		ch1:      make([]float64, 0, capacity),
		ch2:      make([]float64, 0, capacity),
	}
}

// Append adds a batch of samples. The channels are independent and may be
// appended with different lengths.
func (w *Window) Append(ch1, ch2 []float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ch1 = appendBounded(w.ch1, ch1, w.capacity)
	w.ch2 = appendBounded(w.ch2, ch2, w.capacity)
}

func appendBounded(dst, src []float64, capacity int) []float64 {
	dst = append(dst, src...)
	if over := len(dst) - capacity; over > 0 {
		// shift in place so the backing array does not grow without bound
		n := copy(dst, dst[over:])
		dst = dst[:n]
	}
	return dst
}

// Snapshot copies the most recent n samples of each channel. Fewer samples
// are returned when the window has not filled up yet.
func (w *Window) Snapshot(n int) (ch1, ch2 []float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return tail(w.ch1, n), tail(w.ch2, n)
}

func tail(xs []float64, n int) []float64 {
	if n <= 0 || n > len(xs) {
		n = len(xs)
	}
	out := make([]float64, n)
	copy(out, xs[len(xs)-n:])
	return out
}

// Len returns the number of retained samples per channel.
func (w *Window) Len() (ch1, ch2 int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ch1), len(w.ch2)
}

// Reset discards all retained samples.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ch1 = w.ch1[:0]
	w.ch2 = w.ch2[:0]
}
