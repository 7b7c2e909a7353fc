// Package observability instruments client requests with OpenTelemetry
// traces and metrics.
//
// A nil *Config is valid and records nothing. When no providers are
// configured the global otel providers are used, which are no-ops until an
// SDK is installed.
package observability

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nlstn/go-fmodata"

// Config holds the instrumentation state shared by a connection.
type Config struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	serviceName    string
	serviceVersion string
	logger         *slog.Logger

	tracer  *Tracer
	metrics *Metrics
}

// Option configures a Config.
type Option func(*Config)

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) { c.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.meterProvider = mp }
}

// WithServiceName sets the service.name attribute added to every span.
func WithServiceName(name string) Option {
	return func(c *Config) { c.serviceName = name }
}

// WithServiceVersion sets the service.version attribute.
func WithServiceVersion(version string) Option {
	return func(c *Config) { c.serviceVersion = version }
}

// WithLogger sets the logger used to report instrumentation problems.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// NewConfig builds a Config. Call Initialize before use.
func NewConfig(opts ...Option) *Config {
	c := &Config{serviceName: "fmodata-client"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize resolves providers and creates instruments.
func (c *Config) Initialize() error {
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	if c.meterProvider == nil {
		c.meterProvider = otel.GetMeterProvider()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	base := []attribute.KeyValue{attribute.String("service.name", c.serviceName)}
	if c.serviceVersion != "" {
		base = append(base, attribute.String("service.version", c.serviceVersion))
	}
	c.tracer = &Tracer{
		tracer: c.tracerProvider.Tracer(instrumentationName),
		base:   base,
	}

	m, err := newMetrics(c.meterProvider.Meter(instrumentationName))
	if err != nil {
		return err
	}
	c.metrics = m
	c.logger.Debug("Observability initialized", "service_name", c.serviceName)
	return nil
}

// Tracer returns the span factory. It is safe on a nil or uninitialized
// Config.
func (c *Config) Tracer() *Tracer {
	if c == nil || c.tracer == nil {
		return nil
	}
	return c.tracer
}

// Metrics returns the metric recorder. It is safe on a nil or
// uninitialized Config.
func (c *Config) Metrics() *Metrics {
	if c == nil || c.metrics == nil {
		return nil
	}
	return c.metrics
}

// Tracer starts client spans.
type Tracer struct {
	tracer trace.Tracer
	base   []attribute.KeyValue
}

// StartRequest starts a span for a single HTTP request.
func (t *Tracer) StartRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	attrs := append([]attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("fmodata.path", path),
		QueryFingerprintAttr(path),
	}, t.base...)
	return t.tracer.Start(ctx, "fmodata.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// StartBatch starts a span for a $batch exchange of size operations.
func (t *Tracer) StartBatch(ctx context.Context, size int) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	attrs := append([]attribute.KeyValue{BatchSizeAttr(size)}, t.base...)
	return t.tracer.Start(ctx, "fmodata.batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err and the response status on span and ends it.
func EndSpan(span trace.Span, status int, err error) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// BatchSizeAttr is the number of operations in a batch.
func BatchSizeAttr(size int) attribute.KeyValue {
	return attribute.Int("fmodata.batch.size", size)
}

// QueryFingerprint hashes a request path and query string so that spans
// and logs of the same query can be grouped without recording values.
func QueryFingerprint(pathAndQuery string) string {
	return strconv.FormatUint(xxhash.Sum64String(pathAndQuery), 16)
}

// QueryFingerprintAttr is QueryFingerprint as a span attribute.
func QueryFingerprintAttr(pathAndQuery string) attribute.KeyValue {
	return attribute.String("fmodata.query.fingerprint", QueryFingerprint(pathAndQuery))
}

// Metrics records client counters and histograms.
type Metrics struct {
	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter("fmodata.client.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Number of requests sent to the OData API"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("fmodata.client.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of OData API requests"),
	)
	if err != nil {
		return nil, err
	}
	batchSize, err := meter.Int64Histogram("fmodata.client.batch.size",
		metric.WithUnit("{operation}"),
		metric.WithDescription("Operations per $batch request"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{requests: requests, duration: duration, batchSize: batchSize}, nil
}

// RecordRequest counts one request and its duration.
func (m *Metrics) RecordRequest(ctx context.Context, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if status == 0 || status >= 400 {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.Int("http.response.status_code", status),
		attribute.String("status", outcome),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordBatchSize records the number of operations in a batch.
func (m *Metrics) RecordBatchSize(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.batchSize.Record(ctx, int64(size))
}
