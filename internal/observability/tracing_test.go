package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/sentinel/internal/config"
)

// setupTestTracer creates an in-memory span exporter and configures a
// TracerProvider that always samples.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "test-svc", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_noneExporter(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "none"}, "test-svc", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		SamplingRate: 1.0,
	}
	shutdown, err := InitTracing(context.Background(), cfg, "test-svc", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "test-svc", "1.0.0")
	if err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartSpan_nodeExecution(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "workflow.node",
		AttrWorkflowID.String("wf-1"),
		AttrNode.String("rag_query"),
		AttrAttempt.Int(2),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "workflow.node" {
		t.Errorf("span name = %q", spans[0].Name)
	}

	attrs := spanAttrMap(spans[0])
	if attrs["sentinel.workflow_id"] != "wf-1" {
		t.Errorf("sentinel.workflow_id = %q", attrs["sentinel.workflow_id"])
	}
	if attrs["sentinel.node"] != "rag_query" {
		t.Errorf("sentinel.node = %q", attrs["sentinel.node"])
	}
	if attrs["sentinel.attempt"] != "2" {
		t.Errorf("sentinel.attempt = %q", attrs["sentinel.attempt"])
	}
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the created span")
	}
}

func TestStartSpan_parentChild(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "workflow.run")
	_, child := StartSpan(ctx, "ledger.append")
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("parent and child should share the same trace ID")
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child parent span ID should match parent span ID")
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "error.op")
	EndSpanWithError(failed, errors.New("tail moved"))
	_, ok := StartSpan(context.Background(), "ok.op")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "tail moved" {
		t.Errorf("error span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("error span should record an exception event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("nil error should not set error status")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Errorf("TraceIDFromContext(no span) = %q, want empty", id)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if id := TraceIDFromContext(ctx); len(id) != 32 {
		t.Errorf("TraceIDFromContext = %q, want 32 hex chars", id)
	}
}

func TestNewSampler(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 1.0, 2.0} {
		if s := newSampler(config.TracingConfig{SamplingRate: rate}); s == nil || s.Description() == "" {
			t.Errorf("newSampler(%v) returned %v", rate, s)
		}
	}
}

func TestAllAttributeKeys(t *testing.T) {
	keys := []attribute.Key{
		AttrWorkflowID, AttrWorkflowType, AttrCompanyID, AttrNode,
		AttrAttempt, AttrDecision, AttrLedgerSeq, AttrTool, AttrDedupHit,
	}
	for _, k := range keys {
		if len(k) <= len("sentinel.") || string(k)[:9] != "sentinel." {
			t.Errorf("attribute key %q should carry the sentinel. prefix", k)
		}
	}
}
