package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Deployment{})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInit_Disabled_ShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Deployment{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Shutdown should be a no-op and not error
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Deployment{})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	}, Deployment{})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_ServiceNameDefault(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Deployment{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_CustomServiceName(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "my-custom-service",
	}, Deployment{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_SampleRate(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:    true,
		Exporter:   "none",
		SampleRate: 0.5,
	}, Deployment{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_TracerCreatesSpans(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Deployment{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := p.Tracer.Start(context.Background(), "test.span")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
	_ = ctx
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Deployment{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "replay.run",
		AttrFromTask.String("research"),
		AttrReplayID.String("replay-1"),
	)
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span with a valid context")
	}
	EndSpan(span, nil)

	_, child := StartSpan(ctx, p.Tracer, "replay.task", AttrTaskID.String("write"))
	EndSpan(child, errors.New("executor failed"))
}

func TestInit_DeploymentResource(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Deployment{
		HomeDir:           "/home/crew/.gocrew",
		DBPath:            "/home/crew/.gocrew/crew.db",
		SchemaVersion:     3,
		ConfigFingerprint: "abc123",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	set := p.Resource.Set()
	want := map[attribute.Key]attribute.Value{
		AttrDBPath:        attribute.StringValue("/home/crew/.gocrew/crew.db"),
		AttrHomeDir:       attribute.StringValue("/home/crew/.gocrew"),
		AttrSchemaVersion: attribute.IntValue(3),
		AttrConfigDigest:  attribute.StringValue("abc123"),
		AttrVersion:       attribute.StringValue(Version),
	}
	for k, v := range want {
		got, ok := set.Value(k)
		if !ok {
			t.Fatalf("resource lacks %s", k)
		}
		if got != v {
			t.Fatalf("%s = %v, want %v", k, got.Emit(), v.Emit())
		}
	}
}

func TestInit_EmptyDeploymentOmitsAttributes(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Deployment{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	for _, k := range []attribute.Key{AttrDBPath, AttrHomeDir, AttrSchemaVersion, AttrConfigDigest} {
		if _, ok := p.Resource.Set().Value(k); ok {
			t.Fatalf("unexpected %s on resource", k)
		}
	}
}

func TestSampleRatio(t *testing.T) {
	for rate, want := range map[float64]float64{0: 1, -1: 1, 2: 1, 0.25: 0.25, 1: 1} {
		if got := sampleRatio(rate); got != want {
			t.Fatalf("sampleRatio(%v) = %v, want %v", rate, got, want)
		}
	}
}
