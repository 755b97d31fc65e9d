// Package observe ties voxbridge's metrics, traces and logs together.
//
// Instruments live in [Metrics] and are exported for Prometheus scraping by
// [InitProvider]. [DefaultMetrics] binds them to the global meter provider;
// tests build their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument the relay records. Attribute keys are
// listed per field.
type Metrics struct {
	// op
	AgentCallDuration metric.Float64Histogram
	TTSDuration       metric.Float64Histogram
	// Token exchange latency, no attributes.
	TokenRefreshDuration metric.Float64Histogram
	// From utterance snapshot to reply delivery.
	TurnDuration metric.Float64Histogram
	// method, path (the mux pattern)
	HTTPRequestDuration metric.Float64Histogram

	// op, status
	AgentCalls metric.Int64Counter
	// status
	TokenRefreshes      metric.Int64Counter
	RecognitionRestarts metric.Int64Counter
	// outcome: reply or apology
	Turns metric.Int64Counter
	// provider, kind
	ProviderErrors metric.Int64Counter
	// provider, kind, state (entered)
	BreakerTransitions metric.Int64Counter

	ActiveConnections metric.Int64UpDownCounter
}

// remoteBuckets covers speech and agent round trips; agent turns regularly
// take several seconds.
var remoteBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// instruments creates instruments on one meter and remembers the first
// failure of each so the caller checks once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(remoteBuckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics registers all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(scope)}
	m := &Metrics{
		AgentCallDuration:    b.latency("voxbridge.agent.call.duration", "Latency of agent platform calls."),
		TTSDuration:          b.latency("voxbridge.tts.duration", "Latency of text-to-speech synthesis."),
		TokenRefreshDuration: b.latency("voxbridge.token.refresh.duration", "Latency of OAuth token exchanges."),
		TurnDuration:         b.latency("voxbridge.turn.duration", "Latency from utterance end to reply delivery."),

		AgentCalls:          b.counter("voxbridge.agent.calls", "Agent platform calls by operation and status."),
		TokenRefreshes:      b.counter("voxbridge.token.refreshes", "OAuth token exchanges by status."),
		RecognitionRestarts: b.counter("voxbridge.recognition.restarts", "Recognition streams reopened after a provider fault."),
		Turns:               b.counter("voxbridge.turns", "Agent turns by outcome."),
		ProviderErrors:      b.counter("voxbridge.provider.errors", "Speech provider errors by provider and kind."),
		BreakerTransitions:  b.counter("voxbridge.provider.breaker.transitions", "Circuit breaker state changes by provider, kind and entered state."),
	}

	var err error
	m.HTTPRequestDuration, err = b.meter.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	)
	b.errs = append(b.errs, err)
	m.ActiveConnections, err = b.meter.Int64UpDownCounter("voxbridge.active_connections",
		metric.WithDescription("Open client WebSocket connections."),
	)
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments on the global meter
// provider, created on first use. Call it after [InitProvider] so the
// instruments reach the Prometheus exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) RecordAgentCall(ctx context.Context, op, status string, seconds float64) {
	m.AgentCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("status", status)))
	m.AgentCallDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordTokenRefresh(ctx context.Context, status string, seconds float64) {
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.TokenRefreshDuration.Record(ctx, seconds)
}

func (m *Metrics) RecordTurn(ctx context.Context, outcome string, seconds float64) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.TurnDuration.Record(ctx, seconds)
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, kind, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("state", state),
	))
}
