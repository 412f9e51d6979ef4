// Package metrics exposes the bridge's contractual metric names through
// OpenTelemetry instruments bridged to a Prometheus registry. The /metrics
// endpoint serves the registry in Prometheus exposition format.
//
// Instrument names are part of the operator contract; dashboards key on
// them. Registering the same name twice is a startup error, which is what
// keeps the two deadletter gauges from colliding.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every instrument of the bridge. Constructed once at startup
// and injected; there is no package-level instrument state.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	webhookErrorsTotal   metric.Int64Counter
	apiCallsTotal        metric.Int64Counter
	apiCallDuration      metric.Float64Histogram
	rateLimitHitsTotal   metric.Int64Counter
	deadletterSizeBasic  metric.Int64Gauge
	deadletterSizeByProv metric.Int64Gauge
	syncEventsTotal      metric.Int64Counter
}

// New builds the instrument set on a fresh Prometheus registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("syncbridge")

	m := &Metrics{registry: registry, provider: provider}

	seen := map[string]bool{}
	claim := func(name string) error {
		if seen[name] {
			return fmt.Errorf("metrics: duplicate instrument name %q", name)
		}
		seen[name] = true
		return nil
	}

	type counterSpec struct {
		name string
		desc string
		dest *metric.Int64Counter
	}
	counters := []counterSpec{
		{"http_requests_total", "Inbound HTTP requests by path, method and status", &m.httpRequestsTotal},
		{"webhook_errors_total", "Webhook admission errors by provider and kind", &m.webhookErrorsTotal},
		{"api_calls_total", "Outbound API calls by provider, operation and status", &m.apiCallsTotal},
		{"rate_limit_hits_total", "Requests rejected by the inbound rate limit", &m.rateLimitHitsTotal},
		{"sync_events_total", "Synchronization events by direction and outcome", &m.syncEventsTotal},
	}
	for _, s := range counters {
		if err := claim(s.name); err != nil {
			return nil, err
		}
		v, err := meter.Int64Counter(s.name, metric.WithDescription(s.desc))
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	type histSpec struct {
		name string
		desc string
		dest *metric.Float64Histogram
	}
	hists := []histSpec{
		{"http_request_duration_seconds", "Inbound HTTP request duration", &m.httpRequestDuration},
		{"api_call_duration_seconds", "Outbound API call duration", &m.apiCallDuration},
	}
	for _, s := range hists {
		if err := claim(s.name); err != nil {
			return nil, err
		}
		v, err := meter.Float64Histogram(s.name,
			metric.WithDescription(s.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
		)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	// The two deadletter gauges carry distinct names on purpose; a shared
	// name would collide on registration.
	type gaugeSpec struct {
		name string
		desc string
		dest *metric.Int64Gauge
	}
	gauges := []gaugeSpec{
		{"deadletter_queue_size_basic", "Total unarchived dead letters", &m.deadletterSizeBasic},
		{"deadletter_queue_size_by_provider", "Unarchived dead letters per provider", &m.deadletterSizeByProv},
	}
	for _, s := range gauges {
		if err := claim(s.name); err != nil {
			return nil, err
		}
		v, err := meter.Int64Gauge(s.name, metric.WithDescription(s.desc))
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	return m, nil
}

// Registry returns the Prometheus registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// RecordHTTPRequest counts one inbound request and its duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, path, method string, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("method", method),
		attribute.Int("status", status),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("path", path)))
}

// RecordWebhookError counts one admission failure.
func (m *Metrics) RecordWebhookError(ctx context.Context, provider, kind string) {
	m.webhookErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordAPICall counts one outbound call and its duration.
func (m *Metrics) RecordAPICall(ctx context.Context, provider, op string, status int, elapsed time.Duration) {
	m.apiCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.Int("status", status),
	))
	m.apiCallDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
	))
}

// RecordRateLimitHit counts one 429 on an inbound path.
func (m *Metrics) RecordRateLimitHit(ctx context.Context, path string) {
	m.rateLimitHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// SetDeadletterQueueSize records the total queue depth.
func (m *Metrics) SetDeadletterQueueSize(ctx context.Context, n int64) {
	m.deadletterSizeBasic.Record(ctx, n)
}

// SetDeadletterQueueSizeFor records the queue depth of one provider.
func (m *Metrics) SetDeadletterQueueSizeFor(ctx context.Context, provider string, n int64) {
	m.deadletterSizeByProv.Record(ctx, n, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordSyncEvent counts one orchestration outcome.
func (m *Metrics) RecordSyncEvent(ctx context.Context, direction, outcome string) {
	m.syncEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	))
}
