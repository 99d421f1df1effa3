// Package classifier wraps the external sign classifier: a fixed-length
// landmark sequence in, a probability per label out.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-signs/internal/resilience"
	"github.com/loqalabs/loqa-signs/internal/window"
)

// ErrClassifierUnavailable wraps every backend failure. Callers recover by
// treating the frame as a zero-confidence prediction.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Backend scores one resampled sequence (sequence length x feature dim).
// Implementations must allow concurrent calls.
type Backend interface {
	Score(ctx context.Context, sequence []window.Vector) ([]float32, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, sequence []window.Vector) ([]float32, error)

func (f BackendFunc) Score(ctx context.Context, sequence []window.Vector) ([]float32, error) {
	return f(ctx, sequence)
}

// Prediction is the argmax of one classifier call. Index is -1 when nothing
// could be scored.
type Prediction struct {
	Index       int
	Label       string
	Probability float64
}

// Empty is the zero-confidence prediction used when a call fails.
func Empty() Prediction { return Prediction{Index: -1} }

// Model binds a backend to the ordered label list. It holds no per-session
// state and is shared read-only by all sessions.
type Model struct {
	name    string
	labels  []string
	length  int
	dim     int
	backend Backend
	breaker *resilience.Breaker
	tracer  trace.Tracer
}

type Options struct {
	Name           string
	Labels         []string
	SequenceLength int
	FeatureDim     int
	Backend        Backend
	Breaker        *resilience.Breaker
}

func NewModel(opts Options) (*Model, error) {
	if opts.Backend == nil {
		return nil, errors.New("classifier backend is required")
	}
	if len(opts.Labels) == 0 {
		return nil, errors.New("classifier labels must not be empty")
	}
	if opts.SequenceLength <= 0 || opts.FeatureDim <= 0 {
		return nil, errors.New("classifier input shape must be positive")
	}
	return &Model{
		name:    opts.Name,
		labels:  append([]string(nil), opts.Labels...),
		length:  opts.SequenceLength,
		dim:     opts.FeatureDim,
		backend: opts.Backend,
		breaker: opts.Breaker,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-signs/internal/classifier"),
	}, nil
}

func (m *Model) Name() string        { return m.name }
func (m *Model) SequenceLength() int { return m.length }
func (m *Model) FeatureDim() int     { return m.dim }

// Labels returns a copy of the ordered label list.
func (m *Model) Labels() []string {
	return append([]string(nil), m.labels...)
}

// Label maps an index to its label, or class_<n> when the index is outside
// the label list.
func (m *Model) Label(idx int) string {
	if idx >= 0 && idx < len(m.labels) {
		return m.labels[idx]
	}
	return "class_" + strconv.Itoa(idx)
}

// Predict scores sequence and returns its argmax. On any failure it returns
// Empty() together with an error wrapping ErrClassifierUnavailable.
func (m *Model) Predict(ctx context.Context, sequence []window.Vector) (Prediction, error) {
	ctx, span := m.tracer.Start(ctx, "classifier.predict",
		trace.WithAttributes(attribute.String("model", m.name), attribute.Int("frames", len(sequence))))
	defer span.End()

	if len(sequence) != m.length {
		err := fmt.Errorf("%w: sequence has %d frames, model expects %d", ErrClassifierUnavailable, len(sequence), m.length)
		span.SetStatus(codes.Error, err.Error())
		return Empty(), err
	}

	var probs []float32
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		probs, err = m.backend.Score(ctx, sequence)
		if err == nil && len(probs) == 0 {
			err = errors.New("empty probability vector")
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier failed")
		return Empty(), fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
	}

	idx := Argmax(probs)
	pred := Prediction{Index: idx, Label: m.Label(idx), Probability: float64(probs[idx])}
	span.SetAttributes(attribute.String("label", pred.Label), attribute.Float64("probability", pred.Probability))
	return pred, nil
}

// Argmax returns the index of the largest value; the first wins on ties.
func Argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
