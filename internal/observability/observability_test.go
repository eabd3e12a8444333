package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// --- Shutdown Coordinator ---

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}

	for i := 1; i <= 3; i++ {
		i := i
		sc.Register(fmt.Sprintf("h%d", i), func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected LIFO [3,2,1], got %v", order)
	}
}

func TestShutdownCoordinatorEmpty(t *testing.T) {
	sc := &ShutdownCoordinator{}
	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestShutdownCoordinatorError(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}

	sc.Register("first", func(ctx context.Context) error {
		order = append(order, 1)
		return nil
	})
	sc.Register("bad", func(ctx context.Context) error {
		order = append(order, 2)
		return errors.New("fail")
	})
	sc.Register("third", func(ctx context.Context) error {
		order = append(order, 3)
		return nil
	})

	err := sc.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Fatalf("error should mention 'bad': %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected all 3 handlers to run, got %v", order)
	}
}

// --- Metrics ---

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m.Registry == nil {
		t.Fatal("registry is nil")
	}

	if _, err := m.Registry.Gather(); err != nil {
		t.Fatalf("gather error: %v", err)
	}

	m.OperationTotal.WithLabelValues("test_op", "ok").Inc()
	count := testutil.ToFloat64(m.OperationTotal.WithLabelValues("test_op", "ok"))
	if count != 1 {
		t.Fatalf("expected count 1, got %f", count)
	}

	m.MessagesSent.Inc()
	m.DeliveryGaps.Inc()
	if got := testutil.ToFloat64(m.MessagesSent); got != 1 {
		t.Fatalf("messages sent = %f", got)
	}
	if got := testutil.ToFloat64(m.DeliveryGaps); got != 1 {
		t.Fatalf("delivery gaps = %f", got)
	}
}

// --- Logging ---

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)

	logger.Info("hello", "key", "val")

	var entry map[string]interface{}
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("output not valid JSON: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "hello" {
		t.Fatalf("expected msg=hello, got %v", entry["msg"])
	}
}

func TestSetupLoggerText(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger("info", "text", &buf)

	slog.Info("testmsg")

	out := buf.String()
	if !strings.Contains(out, "testmsg") {
		t.Fatalf("expected 'testmsg' in output: %s", out)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &m); err == nil {
		t.Fatal("expected non-JSON output for text format")
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	tests := []struct {
		level      string
		logAt      slog.Level
		shouldShow bool
	}{
		{"debug", slog.LevelDebug, true},
		{"debug", slog.LevelInfo, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.level, tt.logAt), func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(tt.level, "json", &buf)

			logger.Log(context.Background(), tt.logAt, "test")

			got := buf.Len() > 0
			if got != tt.shouldShow {
				t.Fatalf("level=%s logAt=%s: expected visible=%v got %v", tt.level, tt.logAt, tt.shouldShow, got)
			}
		})
	}
}

// --- TraceHandler ---

func TestTraceHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	h := &TraceHandler{Handler: inner}

	h2 := h.WithAttrs([]slog.Attr{slog.String("a", "b")})
	if _, ok := h2.(*TraceHandler); !ok {
		t.Fatalf("expected *TraceHandler, got %T", h2)
	}

	logger := slog.New(h2)
	logger.Info("test")

	if !strings.Contains(buf.String(), `"a":"b"`) {
		t.Fatalf("expected attr in output: %s", buf.String())
	}
}

func TestTraceHandlerWithGroup(t *testing.T) {
	inner := slog.NewJSONHandler(io.Discard, nil)
	h := &TraceHandler{Handler: inner}
	if _, ok := h.WithGroup("grp").(*TraceHandler); !ok {
		t.Fatal("WithGroup did not preserve handler type")
	}
}

func TestTraceHandlerHandleWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	h := &TraceHandler{Handler: inner}

	traceID, _ := trace.TraceIDFromHex("00000000000000000000000000000001")
	spanID, _ := trace.SpanIDFromHex("0000000000000001")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger := slog.New(h)
	logger.InfoContext(ctx, "traced message")

	out := buf.String()
	if !strings.Contains(out, "trace_id") {
		t.Fatalf("expected trace_id in output: %s", out)
	}
	if !strings.Contains(out, "span_id") {
		t.Fatalf("expected span_id in output: %s", out)
	}
}

// --- Operation ---

func TestStartOperationEnd(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "test_op")
	op.End(nil)

	count := testutil.ToFloat64(m.OperationTotal.WithLabelValues("test_op", "ok"))
	if count != 1 {
		t.Fatalf("expected 1 ok operation, got %f", count)
	}

	families, _ := m.Registry.Gather()
	found := false
	for _, f := range families {
		if f.GetName() == "helium_operation_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatal("duration metric not found")
	}
}

func TestStartOperationEndError(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "fail_op")
	op.End(errors.New("boom"))

	count := testutil.ToFloat64(m.OperationTotal.WithLabelValues("fail_op", "error"))
	if count != 1 {
		t.Fatalf("expected 1 error operation, got %f", count)
	}
	okCount := testutil.ToFloat64(m.OperationTotal.WithLabelValues("fail_op", "ok"))
	if okCount != 0 {
		t.Fatalf("expected 0 ok operations, got %f", okCount)
	}
}

func TestStartOperationNilMetrics(t *testing.T) {
	op, ctx := StartOperation(context.Background(), nil, "no_metrics")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	op.End(nil)
}

func TestStartOperationWithAttrs(t *testing.T) {
	m := NewMetrics()
	op, ctx := StartOperation(context.Background(), m, "attr_op",
		attribute.String("key", "val"),
	)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	op.End(nil)

	count := testutil.ToFloat64(m.OperationTotal.WithLabelValues("attr_op", "ok"))
	if count != 1 {
		t.Fatalf("expected 1, got %f", count)
	}
}

// --- Span ---

func TestStartSpanNoAttrs(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
}

func TestEndSpanWithError(t *testing.T) {
	_, span := StartSpan(context.Background(), "end-with-err")
	EndSpan(span, errors.New("boom"))
}

// --- Observability ---

func TestNewObservabilityNoOTLP(t *testing.T) {
	obs, err := New(context.Background(), Config{
		LogLevel:       "info",
		LogFormat:      "json",
		ServiceName:    "test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Logger == nil {
		t.Fatal("logger is nil")
	}
	if obs.Metrics == nil {
		t.Fatal("metrics is nil")
	}

	switch obs.TracerProvider.(type) {
	case *tracenoop.TracerProvider, tracenoop.TracerProvider:
	default:
		t.Fatalf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
}

func TestObservabilityClose(t *testing.T) {
	obs, err := New(context.Background(), Config{
		LogLevel:       "info",
		LogFormat:      "json",
		ServiceName:    "test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var called bool
	obs.Shutdown.Register("test-close", func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := obs.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected shutdown handler to be called")
	}
}

func TestObservabilityCloseError(t *testing.T) {
	obs, err := New(context.Background(), Config{
		LogLevel:       "info",
		LogFormat:      "json",
		ServiceName:    "test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	obs.Shutdown.Register("fail-close", func(ctx context.Context) error {
		return errors.New("close fail")
	})

	if err := obs.Close(context.Background()); err == nil {
		t.Fatal("expected error from Close")
	}
}

// --- ServeMetrics ---

func TestServeMetricsEndpoints(t *testing.T) {
	obs, err := New(context.Background(), Config{
		LogLevel:       "error",
		LogFormat:      "json",
		ServiceName:    "test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := obs.ServeMetrics(addr)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Fatalf("expected OK, got %s", string(body))
	}

	resp2, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
}
