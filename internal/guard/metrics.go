package guard

import (
	"context"

	"github.com/loqalabs/loqa-guard/internal/capture"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-guard/internal/guard"

type metrics struct {
	outputs     metric.Int64Counter
	emergencies metric.Int64Counter
	latency     metric.Float64Histogram
	reg         metric.Registration
}

// newMetrics registers the guard instruments on the global meter provider.
// Session counters are read through an observable callback.
func newMetrics(session *capture.Session) (*metrics, error) {
	meter := otel.Meter(meterName)
	m := &metrics{}
	var err error
	if m.outputs, err = meter.Int64Counter("guard.outputs",
		metric.WithDescription("Structured outputs produced, by chunk kind")); err != nil {
		return nil, err
	}
	if m.emergencies, err = meter.Int64Counter("guard.emergencies",
		metric.WithDescription("Outputs with the emergency flag set")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("guard.transcription.latency",
		metric.WithDescription("Recognizer latency per chunk"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}

	failures, err := meter.Int64ObservableCounter("guard.transcription.failures",
		metric.WithDescription("Chunks dropped after a recognizer error"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64ObservableCounter("guard.frames.dropped",
		metric.WithDescription("Frames evicted from the full capture queue"))
	if err != nil {
		return nil, err
	}
	noise, err := meter.Float64ObservableGauge("guard.vad.noise_floor",
		metric.WithDescription("Current adaptive noise floor (RMS)"))
	if err != nil {
		return nil, err
	}
	m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(failures, int64(session.Failures()))
		o.ObserveInt64(dropped, int64(session.DroppedFrames()))
		o.ObserveFloat64(noise, session.NoiseFloor())
		return nil
	}, failures, dropped, noise)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) record(ctx context.Context, t capture.Transcript) {
	kind := metric.WithAttributes(attribute.String("kind", string(t.Kind)))
	m.outputs.Add(ctx, 1, kind)
	m.latency.Record(ctx, t.Output.LatencyMS, kind)
	if t.Output.EmergencyFlag {
		m.emergencies.Add(ctx, 1, kind)
	}
}

func (m *metrics) close() {
	if m.reg != nil {
		_ = m.reg.Unregister()
	}
}
