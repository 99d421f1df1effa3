// Package window keeps the bounded history of per-frame feature vectors and
// turns it into the fixed-length sequences the classifier consumes.
package window

import (
	"errors"
	"math"
)

// ErrEmptyWindow is returned when a resample is requested with no buffered
// frames. The recognizer never does this; seeing it means a caller bug.
var ErrEmptyWindow = errors.New("window: resample of empty window")

// Vector is one frame's feature vector. Vectors are treated as immutable once
// pushed.
type Vector []float32

// Window is a FIFO of feature vectors bounded by capacity. It is not safe for
// concurrent use; each session owns its own.
type Window struct {
	capacity int
	frames   []Vector
}

func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{capacity: capacity, frames: make([]Vector, 0, capacity)}
}

// Push appends v, evicting the oldest frame once capacity is exceeded.
func (w *Window) Push(v Vector) {
	if len(w.frames) == w.capacity {
		copy(w.frames, w.frames[1:])
		w.frames = w.frames[:len(w.frames)-1]
	}
	w.frames = append(w.frames, v)
}

func (w *Window) Len() int      { return len(w.frames) }
func (w *Window) Capacity() int { return w.capacity }
func (w *Window) Full() bool    { return len(w.frames) >= w.capacity }

// Clear drops every buffered frame and keeps the backing array.
func (w *Window) Clear() {
	for i := range w.frames {
		w.frames[i] = nil
	}
	w.frames = w.frames[:0]
}

// Resize changes the capacity, keeping the most recent frames.
func (w *Window) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if over := len(w.frames) - capacity; over > 0 {
		w.frames = append(w.frames[:0], w.frames[over:]...)
	}
	w.capacity = capacity
}

// Resample returns exactly target frames. Longer windows are downsampled to
// evenly spaced indices that include the first and last frame; shorter ones
// are padded by repeating the last frame.
func (w *Window) Resample(target int) ([]Vector, error) {
	return Resample(w.frames, target)
}

// Resample is the stateless form of Window.Resample.
func Resample(frames []Vector, target int) ([]Vector, error) {
	n := len(frames)
	if n == 0 {
		return nil, ErrEmptyWindow
	}
	if target < 1 {
		return nil, errors.New("window: resample target must be positive")
	}
	out := make([]Vector, target)
	if n < target {
		copy(out, frames)
		last := frames[n-1]
		for i := n; i < target; i++ {
			out[i] = last
		}
		return out, nil
	}
	if target == 1 {
		out[0] = frames[0]
		return out, nil
	}
	for i := range out {
		out[i] = frames[SampleIndex(i, n, target)]
	}
	return out, nil
}

// SampleIndex maps output position i to a source index for a window of n
// frames resampled to target (n >= target > 1). Halves round away from zero.
func SampleIndex(i, n, target int) int {
	return int(math.Round(float64(i) * float64(n-1) / float64(target-1)))
}
