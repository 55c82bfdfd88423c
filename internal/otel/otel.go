// Package otel wires OpenTelemetry tracing and metrics for the crew store,
// replay engine and reset coordinator. When disabled every instrument is a
// no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "gocrew"
	MeterName  = "gocrew"
	// Version is reported as a resource attribute.
	Version = "v0.3.0"

	defaultServiceName  = "gocrew"
	defaultOTLPEndpoint = "localhost:4318"
)

// Resource attribute keys describing the crew state a process serves.
const (
	AttrVersion       = attribute.Key("gocrew.version")
	AttrHomeDir       = attribute.Key("gocrew.home")
	AttrDBPath        = attribute.Key("gocrew.db.path")
	AttrSchemaVersion = attribute.Key("gocrew.db.schema_version")
	AttrConfigDigest  = attribute.Key("gocrew.config.fingerprint")
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Deployment identifies the crew home whose spans are exported.
type Deployment struct {
	HomeDir       string
	DBPath        string
	SchemaVersion int
	// ConfigFingerprint is config.Config.Fingerprint().
	ConfigFingerprint string
}

func (d Deployment) attributes(serviceName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		AttrVersion.String(Version),
	}
	if d.HomeDir != "" {
		attrs = append(attrs, AttrHomeDir.String(d.HomeDir))
	}
	if d.DBPath != "" {
		attrs = append(attrs, AttrDBPath.String(d.DBPath))
	}
	if d.SchemaVersion > 0 {
		attrs = append(attrs, AttrSchemaVersion.Int(d.SchemaVersion))
	}
	if d.ConfigFingerprint != "" {
		attrs = append(attrs, AttrConfigDigest.String(d.ConfigFingerprint))
	}
	return attrs
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	// Resource is nil when telemetry is disabled.
	Resource *resource.Resource
	shutdown func(context.Context) error
}

// Init sets up OpenTelemetry for one crew home. The returned Provider must
// be shut down on exit. A disabled config yields no-op instruments.
func Init(ctx context.Context, cfg Config, dep Deployment) (*Provider, error) {
	if !cfg.Enabled {
		return disabled(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(dep.attributes(serviceName)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRate)))),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		Resource:       res,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

func disabled() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         mp.Meter(MeterName),
		MeterProvider: mp,
		shutdown:      func(context.Context) error { return nil },
	}
}

// sampleRatio maps an unset or out-of-range rate to "sample everything".
func sampleRatio(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1
	}
	return rate
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// discardExporter drops every span. Used for exporter=none.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                           { return nil }
