// Package metrics holds the OpenTelemetry instruments recorded by call
// sessions. Instruments are created from an injected MeterProvider so tests
// can read them back through a manual reader.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/MarnixReijntjes/Katapult-Media-sub000"

// Utterance outcomes recorded on the utterances counter.
const (
	StatusPlayed     = "played"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
	StatusSuppressed = "suppressed"
	StatusDropped    = "dropped"
)

// Metrics is safe for concurrent use; a nil *Metrics records nothing.
type Metrics struct {
	ActiveCalls   metric.Int64UpDownCounter
	Utterances    metric.Int64Counter
	BargeIns      metric.Int64Counter
	EngineErrors  metric.Int64Counter
	TTSFirstAudio metric.Float64Histogram
	FramesSent    metric.Int64Counter
	CallDurationS metric.Float64Histogram
}

var latencyBuckets = []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 3, 5}

func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("katapult.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("katapult.utterances",
		metric.WithDescription("Assistant utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("katapult.barge_ins",
		metric.WithDescription("Caller interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("katapult.engine.errors",
		metric.WithDescription("Error events reported by the conversational engine."),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = m.Float64Histogram("katapult.tts.first_audio",
		metric.WithDescription("Time from synthesis request to first transcoded audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("katapult.frames_sent",
		metric.WithDescription("Outbound telephony media frames."),
	); err != nil {
		return nil, err
	}
	if met.CallDurationS, err = m.Float64Histogram("katapult.call.duration",
		metric.WithDescription("Call session lifetime."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns instruments that discard every measurement.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider())
	return m
}

func (m *Metrics) CallStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveCalls.Add(ctx, 1)
}

func (m *Metrics) CallEnded(ctx context.Context, reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveCalls.Add(ctx, -1)
	m.CallDurationS.Record(ctx, lifetime.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordBargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1)
}

func (m *Metrics) RecordEngineError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.EngineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) RecordFirstAudio(ctx context.Context, provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.TTSFirstAudio.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordFrames(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesSent.Add(ctx, int64(n))
}
