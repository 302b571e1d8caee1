package convergence

import (
	"sync"
	"time"
)

// DefaultWindowSize is the default trend window capacity.
const DefaultWindowSize = 20

// Sample is one attempt's reading kept in a trend window.
type Sample struct {
	ErrorCount   int       `json:"error_count"`
	Confidence   float64   `json:"confidence"`
	BreakerState string    `json:"breaker_state"`
	Quality      float64   `json:"quality"`
	At           time.Time `json:"at"`
}

// Window is a fixed-size FIFO of samples. Safe for concurrent use.
type Window struct {
	mu    sync.RWMutex
	data  []Sample
	head  int
	count int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{data: make([]Sample, capacity)}
}

// Push appends a sample, evicting the oldest when full.
func (w *Window) Push(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.data[w.head] = s
	w.head = (w.head + 1) % len(w.data)
	if w.count < len(w.data) {
		w.count++
	}
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.data)
}

// All returns the samples oldest first.
func (w *Window) All() []Sample {
	return w.Last(-1)
}

// Last returns up to n most recent samples, oldest first. n < 0 returns all.
func (w *Window) Last(n int) []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n < 0 || n > w.count {
		n = w.count
	}
	out := make([]Sample, n)
	start := (w.head - n + len(w.data)) % len(w.data)
	for i := 0; i < n; i++ {
		out[i] = w.data[(start+i)%len(w.data)]
	}
	return out
}

// Counts returns the error counts of all samples, oldest first.
func (w *Window) Counts() []int {
	all := w.All()
	counts := make([]int, len(all))
	for i, s := range all {
		counts[i] = s.ErrorCount
	}
	return counts
}

// MeanQuality returns the mean sample quality and whether any samples exist.
func (w *Window) MeanQuality() (float64, bool) {
	all := w.All()
	if len(all) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range all {
		sum += s.Quality
	}
	return sum / float64(len(all)), true
}

// WindowSet keeps one window per key, created on first use.
type WindowSet struct {
	mu       sync.RWMutex
	capacity int
	windows  map[string]*Window
}

// NewWindowSet creates an empty set whose windows hold capacity samples.
func NewWindowSet(capacity int) *WindowSet {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &WindowSet{capacity: capacity, windows: make(map[string]*Window)}
}

// Get returns the window for key, creating it if needed.
func (s *WindowSet) Get(key string) *Window {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	w = NewWindow(s.capacity)
	s.windows[key] = w
	return w
}

// Lookup returns the window for key without creating one.
func (s *WindowSet) Lookup(key string) (*Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[key]
	return w, ok
}

// Keys returns the number of tracked keys.
func (s *WindowSet) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}
