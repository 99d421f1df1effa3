package recognition

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/loqa-signs/internal/recognition"

type metrics struct {
	frames      metric.Int64Counter
	invalid     metric.Int64Counter
	dropped     metric.Int64Counter
	invocations metric.Int64Counter
	failures    metric.Int64Counter
	signs       metric.Int64Counter
	sentences   metric.Int64Counter
}

func newMetrics(active func() int64) (*metrics, error) {
	m, err := buildMetrics(otel.Meter(meterName), active)
	if err != nil {
		// Instruments from the noop meter cannot fail.
		noopMetrics, _ := buildMetrics(noop.NewMeterProvider().Meter(meterName), active)
		return noopMetrics, err
	}
	return m, nil
}

func buildMetrics(meter metric.Meter, active func() int64) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.frames, "signs.frames.processed", "Frames run through a session"},
		{&m.invalid, "signs.frames.invalid", "Frames rejected as malformed"},
		{&m.dropped, "signs.frames.dropped", "Frames dropped because a session inbox was full"},
		{&m.invocations, "signs.classifier.invocations", "Classifier rounds"},
		{&m.failures, "signs.classifier.failures", "Classifier rounds that failed"},
		{&m.signs, "signs.events.emitted", "Stable signs emitted"},
		{&m.sentences, "signs.sentences.generated", "Sentences built"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	gauge, err := meter.Int64ObservableGauge("signs.sessions.active", metric.WithDescription("Open recognition sessions"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
