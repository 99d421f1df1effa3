package classifier

import (
	"context"

	"github.com/loqalabs/loqa-signs/internal/window"
)

// NewMockBackend returns a deterministic backend for local runs: it picks a
// label from the summed magnitude of the last frame and gives it 0.9,
// spreading the rest evenly.
func NewMockBackend(numLabels int) Backend {
	return BackendFunc(func(ctx context.Context, sequence []window.Vector) ([]float32, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if numLabels <= 0 {
			return nil, nil
		}
		probs := make([]float32, numLabels)
		var sum float32
		if len(sequence) > 0 {
			for _, v := range sequence[len(sequence)-1] {
				if v < 0 {
					v = -v
				}
				sum += v
			}
		}
		pick := int(sum*10) % numLabels
		rest := float32(0)
		if numLabels > 1 {
			rest = 0.1 / float32(numLabels-1)
		}
		for i := range probs {
			probs[i] = rest
		}
		probs[pick] = 0.9
		if numLabels == 1 {
			probs[pick] = 1
		}
		return probs, nil
	})
}
