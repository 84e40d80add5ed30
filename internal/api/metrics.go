package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "historical_analysis_api"

// APIMetrics defines metrics operations needed by the run control API.
type APIMetrics interface {
	IncRequestsTotal(ctx context.Context, method, route string, status int)
	ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration)
	IncRunRequestsTotal(ctx context.Context, action string)
	IncRunRequestErrors(ctx context.Context, action string, status int)
}

type apiMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	runRequestsTotal metric.Int64Counter
	runRequestErrors metric.Int64Counter
}

// NewAPIMetrics creates the API instruments on the given provider.
func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.runRequestsTotal, err = meter.Int64Counter(
		"run_requests_total",
		metric.WithDescription("Total number of run control requests"),
	); err != nil {
		return nil, err
	}

	if m.runRequestErrors, err = meter.Int64Counter(
		"run_request_errors_total",
		metric.WithDescription("Total number of rejected run control requests"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, route string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

func (m *apiMetrics) IncRunRequestsTotal(ctx context.Context, action string) {
	m.runRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *apiMetrics) IncRunRequestErrors(ctx context.Context, action string, status int) {
	m.runRequestErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Int("status", status),
	))
}
