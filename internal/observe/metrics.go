// Package observe holds the OpenTelemetry metric instruments for ghost-turns
// and the provider setup that exposes them to Prometheus.
//
// Tests should build their own [Metrics] with [NewMetrics] and a
// ManualReader-backed provider instead of using [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sjawhar/ghost-turns"

// Metrics holds every instrument the pipeline records to. All fields are
// safe for concurrent use.
type Metrics struct {
	// Fragments counts fragments handed to the aggregator, by speaker state
	// after the call ("complete" or "fragment").
	Fragments metric.Int64Counter

	// Utterances counts completed utterances, by trigger.
	Utterances metric.Int64Counter

	// Events counts conversation events, by type.
	Events metric.Int64Counter

	// EventErrors counts malformed or degraded events, by type.
	EventErrors metric.Int64Counter

	// Coalesced counts transcript entries, by action ("append" or "update").
	Coalesced metric.Int64Counter

	// Responses counts responder outcomes, by status.
	Responses metric.Int64Counter

	// ResponseDuration tracks AI response latency.
	ResponseDuration metric.Float64Histogram

	// BufferedFragments tracks fragments currently held across all speakers.
	BufferedFragments metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Fragments, err = m.Int64Counter("ghost_turns.fragments",
		metric.WithDescription("Transcript fragments aggregated, by result kind."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("ghost_turns.utterances",
		metric.WithDescription("Completed utterances, by trigger."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("ghost_turns.events",
		metric.WithDescription("Conversation events processed, by type."),
	); err != nil {
		return nil, err
	}
	if met.EventErrors, err = m.Int64Counter("ghost_turns.event_errors",
		metric.WithDescription("Malformed or degraded conversation events, by type."),
	); err != nil {
		return nil, err
	}
	if met.Coalesced, err = m.Int64Counter("ghost_turns.coalesced",
		metric.WithDescription("Finalized transcript entries, by append or update."),
	); err != nil {
		return nil, err
	}
	if met.Responses, err = m.Int64Counter("ghost_turns.responses",
		metric.WithDescription("AI responder outcomes, by status."),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("ghost_turns.response.duration",
		metric.WithDescription("Latency of AI response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BufferedFragments, err = m.Int64UpDownCounter("ghost_turns.buffered_fragments",
		metric.WithDescription("Fragments currently buffered across all speakers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordFragment(ctx context.Context, kind string) {
	m.Fragments.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordUtterance(ctx context.Context, trigger string, respond bool) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.Bool("respond", respond),
	))
}

func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) RecordEventError(ctx context.Context, eventType string) {
	m.EventErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) RecordCoalesce(ctx context.Context, action string) {
	m.Coalesced.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordResponse counts one responder outcome and, for attempts that reached
// the model, its latency in seconds.
func (m *Metrics) RecordResponse(ctx context.Context, status string, seconds float64) {
	m.Responses.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if seconds > 0 {
		m.ResponseDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
	}
}
