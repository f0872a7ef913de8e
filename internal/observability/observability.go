package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "profile-harvester/worker"

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	workerTracer trace.Tracer

	scrapeDuration metric.Float64Histogram
	scrapeTotal    metric.Int64Counter
	throttleLimit  metric.Int64Gauge
	throttleDelay  metric.Int64Gauge
	flushRecords   metric.Int64Counter
	flushFailures  metric.Int64Counter
	breakerTrips   metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "profile-harvester"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{endpointOption(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Tracing is optional; keep running without it
			log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		} else {
			traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
			log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
		}
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		workerTracer = tracerProvider.Tracer(instrumentationName)
		if err := initInstruments(meterProvider.Meter(instrumentationName)); err != nil {
			log.Warn().Err(err).Msg("Failed to create scraper instruments")
		}
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func endpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initInstruments(meter metric.Meter) error {
	var err, e error

	scrapeDuration, e = meter.Float64Histogram(
		"harvester.scrape.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to fetch and parse one profile"),
	)
	err = errors.Join(err, e)

	scrapeTotal, e = meter.Int64Counter(
		"harvester.scrape.total",
		metric.WithDescription("Profile fetches by outcome"),
	)
	err = errors.Join(err, e)

	throttleLimit, e = meter.Int64Gauge(
		"harvester.throttle.parallel_limit",
		metric.WithDescription("Current sub-batch size of a worker"),
	)
	err = errors.Join(err, e)

	throttleDelay, e = meter.Int64Gauge(
		"harvester.throttle.delay_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Current delay between sub-batches of a worker"),
	)
	err = errors.Join(err, e)

	flushRecords, e = meter.Int64Counter(
		"harvester.flush.records",
		metric.WithDescription("Records persisted to the result store"),
	)
	err = errors.Join(err, e)

	flushFailures, e = meter.Int64Counter(
		"harvester.flush.failures",
		metric.WithDescription("Failed write buffer flushes"),
	)
	err = errors.Join(err, e)

	breakerTrips, e = meter.Int64Counter(
		"harvester.breaker.trips",
		metric.WithDescription("Global not-found limit trips"),
	)
	return errors.Join(err, e)
}

// StartSubBatchSpan starts a span covering one parallel sub-batch.
func StartSubBatchSpan(ctx context.Context, workerID string, size int) (context.Context, trace.Span) {
	t := workerTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}
	return t.Start(ctx, "worker.sub_batch", trace.WithAttributes(
		attribute.String("worker.id", workerID),
		attribute.Int("batch.size", size),
	))
}

// RecordScrape emits fetch metrics when instrumentation is initialised.
func RecordScrape(ctx context.Context, workerID, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("worker.id", workerID),
		attribute.String("scrape.outcome", outcome),
	)
	if scrapeDuration != nil {
		scrapeDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
	if scrapeTotal != nil {
		scrapeTotal.Add(ctx, 1, attrs)
	}
}

// RecordThrottle publishes the controller's current position.
func RecordThrottle(ctx context.Context, workerID string, limit int, delay time.Duration) {
	attrs := metric.WithAttributes(attribute.String("worker.id", workerID))
	if throttleLimit != nil {
		throttleLimit.Record(ctx, int64(limit), attrs)
	}
	if throttleDelay != nil {
		throttleDelay.Record(ctx, delay.Milliseconds(), attrs)
	}
}

// RecordFlush counts one write buffer flush attempt.
func RecordFlush(ctx context.Context, workerID string, records int, err error) {
	attrs := metric.WithAttributes(attribute.String("worker.id", workerID))
	if err != nil {
		if flushFailures != nil {
			flushFailures.Add(ctx, 1, attrs)
		}
		return
	}
	if flushRecords != nil {
		flushRecords.Add(ctx, int64(records), attrs)
	}
}

// RecordBreakerTrip counts a global pause triggered by this worker.
func RecordBreakerTrip(ctx context.Context, workerID string) {
	if breakerTrips != nil {
		breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("worker.id", workerID)))
	}
}
