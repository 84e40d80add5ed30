// Package otel provides otel support.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// Config defines the information needed to init telemetry.
type Config struct {
	ServiceName string
	// ExporterEndpoint is the OTLP collector. Empty disables OTLP export;
	// spans are still sampled and metrics still reach Registerer.
	ExporterEndpoint   string
	ExcludedRoutes     map[string]struct{}
	Probability        float64
	ResourceAttributes map[string]string
	// Registerer receives the Prometheus view of every instrument.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Providers holds the configured telemetry providers.
type Providers struct {
	Tracer trace.TracerProvider
	Meter  metric.MeterProvider
	// Logs exports log records over OTLP. Nil when no collector is configured.
	Logs otellog.LoggerProvider

	shutdown []func(context.Context) error
	log      *logger.Logger
}

// Shutdown flushes and stops every provider.
func (p *Providers) Shutdown(ctx context.Context) {
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			p.log.Error(ctx, "shutting down telemetry provider", "error", err)
		}
	}
}

// LogHandler returns an slog handler that bridges records into the OTLP log
// pipeline, or nil when log export is disabled.
func (p *Providers) LogHandler(name string) slog.Handler {
	if p.Logs == nil {
		return nil
	}
	return otelslog.NewHandler(name, otelslog.WithLoggerProvider(p.Logs))
}

// InitTelemetry configures open telemetry to be used with the service and
// installs the providers globally.
func InitTelemetry(log *logger.Logger, cfg Config) (*Providers, error) {
	res := NewResource(cfg.ServiceName, cfg.ResourceAttributes)

	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registerer))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(newEndpointExcluder(cfg.ExcludedRoutes, cfg.Probability)),
		sdktrace.WithResource(res),
	}
	meterOpts := []sdkmetric.Option{
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	}

	var lp *sdklog.LoggerProvider
	if cfg.ExporterEndpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		logExporter, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpoint(cfg.ExporterEndpoint),
			otlploggrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating log exporter: %w", err)
		}
		lp = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
			sdklog.WithResource(res),
		)

		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		))
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	// Set global providers.
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	providers := &Providers{
		Tracer:   tp,
		Meter:    mp,
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
		log:      log,
	}
	if lp != nil {
		global.SetLoggerProvider(lp)
		providers.Logs = lp
		providers.shutdown = append(providers.shutdown, lp.Shutdown)
	}

	return providers, nil
}

// NewResource creates the OpenTelemetry resource describing this service.
func NewResource(serviceName string, extra map[string]string) *resource.Resource {
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	attrs = append(attrs, semconv.ServiceName(serviceName))
	attrs = append(attrs, attributesFromMap(extra)...)
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// AddSpan creates a new span with the given name and attributes
func AddSpan(ctx context.Context, tracer trace.Tracer, spanName string, keyValues ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, spanName)
	for _, kv := range keyValues {
		span.SetAttributes(kv)
	}
	return ctx, span
}

// Helper function to convert map to attribute.KeyValue slice
func attributesFromMap(m map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
