package pipeline

import (
	"math"
	"sync"
	"sync/atomic"
)

// RingCapacity sizes a preview window in samples. The window always holds a
// whole number of scans so a wrapped snapshot still starts on channel 0.
func RingCapacity(seconds, rate float64, channels int) int {
	if channels < 1 {
		channels = 1
	}
	scans := int(math.Ceil(seconds * rate))
	if scans < 1 {
		scans = 1
	}
	return scans * channels
}

// Ring is a fixed-capacity preview buffer. When full, appends overwrite the
// oldest data. Appends are ignored while disabled.
type Ring[T any] struct {
	mu          sync.Mutex
	buf         []T
	start       int
	n           int
	overwritten uint64

	enabled atomic.Bool
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Enable(enable bool) {
	r.enabled.Store(enable)
}

func (r *Ring[T]) Enabled() bool {
	return r.enabled.Load()
}

func (r *Ring[T]) Append(vals ...T) {
	if !r.enabled.Load() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := len(r.buf)
	if len(vals) > c {
		r.overwritten += uint64(len(vals) - c)
		vals = vals[len(vals)-c:]
	}
	for _, v := range vals {
		if r.n < c {
			r.buf[(r.start+r.n)%c] = v
			r.n++
			continue
		}
		r.buf[r.start] = v
		r.start = (r.start + 1) % c
		r.overwritten++
	}
}

// Snapshot copies the buffer contents, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.n)
	c := len(r.buf)
	first := copy(out, r.buf[r.start:min(r.start+r.n, c)])
	copy(out[first:], r.buf[:r.n-first])
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

func (r *Ring[T]) Overwritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwritten
}

func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.n = 0, 0
}

// Deinterleave picks channel ch out of an interleaved snapshot.
func Deinterleave(samples []float64, ch, channels int) []float64 {
	if channels < 1 || ch < 0 || ch >= channels {
		return nil
	}
	out := make([]float64, 0, len(samples)/channels+1)
	for i := ch; i < len(samples); i += channels {
		out = append(out, samples[i])
	}
	return out
}

// Slot holds only the most recent value. Readers never see history.
type Slot[T any] struct {
	mu      sync.Mutex
	val     T
	set     bool
	fresh   bool
	skipped uint64

	enabled atomic.Bool
}

func NewSlot[T any]() *Slot[T] {
	s := &Slot[T]{}
	s.enabled.Store(true)
	return s
}

func (s *Slot[T]) Enable(enable bool) {
	s.enabled.Store(enable)
}

func (s *Slot[T]) Enabled() bool {
	return s.enabled.Load()
}

// Publish overwrites the slot. A value replaced before anyone read it counts
// as skipped.
func (s *Slot[T]) Publish(v T) {
	if !s.enabled.Load() {
		return
	}
	s.mu.Lock()
	if s.fresh {
		s.skipped++
	}
	s.val = v
	s.set = true
	s.fresh = true
	s.mu.Unlock()
}

// Latest returns the current value and whether it arrived since the last read.
func (s *Slot[T]) Latest() (v T, fresh bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh = s.fresh
	s.fresh = false
	return s.val, fresh, s.set
}

func (s *Slot[T]) Skipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

func (s *Slot[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.val, s.set, s.fresh = zero, false, false
}
