package smoother

import "github.com/loqalabs/loqa-signs/internal/classifier"

// History is the bounded list of recent predictions the majority vote runs
// over. The oldest entry is dropped once capacity is reached.
type History struct {
	capacity int
	entries  []classifier.Prediction
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{capacity: capacity}
}

func (h *History) Add(p classifier.Prediction) {
	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, p)
}

func (h *History) Len() int { return len(h.entries) }

func (h *History) Clear() { h.entries = h.entries[:0] }

func (h *History) resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if over := len(h.entries) - capacity; over > 0 {
		h.entries = append(h.entries[:0], h.entries[over:]...)
	}
	h.capacity = capacity
}

// Vote returns the most frequent prediction index and the mean probability of
// the entries carrying it. Ties go to the index seen first in insertion order.
// ok is false for an empty history.
func (h *History) Vote() (winner classifier.Prediction, ok bool) {
	if len(h.entries) == 0 {
		return classifier.Empty(), false
	}
	counts := make(map[int]int, len(h.entries))
	order := make([]int, 0, len(h.entries))
	for _, e := range h.entries {
		if counts[e.Index] == 0 {
			order = append(order, e.Index)
		}
		counts[e.Index]++
	}
	best := order[0]
	for _, idx := range order[1:] {
		if counts[idx] > counts[best] {
			best = idx
		}
	}

	var sum float64
	for _, e := range h.entries {
		if e.Index == best {
			sum += e.Probability
			if winner.Label == "" {
				winner.Label = e.Label
			}
		}
	}
	winner.Index = best
	winner.Probability = sum / float64(counts[best])
	return winner, true
}
