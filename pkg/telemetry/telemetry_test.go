package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/sdmkit/sdm/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetrics_RecordsEngineMeasurements(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordPush("succeeded", time.Second)
	m.RecordGoalSet(4)
	m.RecordGoal("Build", engine.GoalStatusSucceeded, 2*time.Second)
	m.RecordGoal("Build", engine.GoalStatusFailed, time.Second)
	m.RecordVerification("staging", true, time.Second)
	m.RecordFreezeToggle("team-a", true)
	m.RecordScan("dependency-check", false, time.Second)

	if got := testutil.ToFloat64(m.pushes.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("Expected 1 push, got %v", got)
	}
	if got := testutil.ToFloat64(m.goals.WithLabelValues("Build", "failed")); got != 1 {
		t.Errorf("Expected 1 failed Build, got %v", got)
	}
	if got := testutil.ToFloat64(m.frozen.WithLabelValues("team-a")); got != 1 {
		t.Errorf("Expected team-a frozen gauge at 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.scans.WithLabelValues("dependency-check", "false")); got != 1 {
		t.Errorf("Expected 1 failed scan, got %v", got)
	}

	m.RecordFreezeToggle("team-a", false)
	if got := testutil.ToFloat64(m.frozen.WithLabelValues("team-a")); got != 0 {
		t.Errorf("Expected team-a frozen gauge at 0, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, _ := NewMetrics(DefaultConfig().Metrics)
	m.RecordPush("failed", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `sdm_pushes_total{outcome="failed"} 1`) {
		t.Errorf("Expected pushes counter in output, got:\n%s", body)
	}
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	m.RecordPush("succeeded", time.Second)
	m.RecordGoal("Build", engine.GoalStatusSucceeded, time.Second)
	if m.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}
	if err := m.Serve(context.Background()); err != nil {
		t.Errorf("Expected disabled Serve to return nil, got: %v", err)
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})

	var got []engine.Event
	ep.Subscribe(func(e engine.Event) { got = append(got, e) }, FilterByRunID("run-1"))
	ep.AddFilter(FilterByLevel("warning"))

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{RunID: "run-1", Type: engine.EventTypeGoalStarted})
	_ = ep.Publish(ctx, &engine.Event{RunID: "run-1", Type: engine.EventTypeGoalFailed, Goal: "Build"})
	_ = ep.Publish(ctx, &engine.Event{RunID: "run-2", Type: engine.EventTypeRunFailed})

	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d: %+v", len(got), got)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be filled in")
	}
	if got[0].Level != "error" {
		t.Errorf("Expected level derived from type, got %q", got[0].Level)
	}
}

func TestEventPublisher_AsyncPreservesOrder(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 100, MaxBatchSize: 10})

	var mu sync.Mutex
	var goals []string
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		goals = append(goals, e.Goal)
		mu.Unlock()
	}, nil)

	for _, g := range []string{"a", "b", "c", "d"} {
		if err := ep.Publish(context.Background(), &engine.Event{Goal: g, Type: engine.EventTypeGoalStarted}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(goals, "") != "abcd" {
		t.Errorf("Expected events in publish order, got %v", goals)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(engine.Event) { called = true }, nil)
	if err := ep.Publish(context.Background(), &engine.Event{}); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if called {
		t.Error("Expected disabled publisher to deliver nothing")
	}
}

func TestMultiPublisher(t *testing.T) {
	a, _ := NewEventPublisher(EventsConfig{Enabled: true})
	b, _ := NewEventPublisher(EventsConfig{Enabled: true})
	count := 0
	a.Subscribe(func(engine.Event) { count++ }, nil)
	b.Subscribe(func(engine.Event) { count++ }, FilterByGoal("Build"))

	multi := MultiPublisher{a, nil, b}
	_ = multi.Publish(context.Background(), &engine.Event{Goal: "Build"})
	if count != 2 {
		t.Errorf("Expected both publishers to deliver, got %d", count)
	}
}

func TestTraceHook_AddsSpanContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(TraceHook{})
	logger.Info().Ctx(ctx).Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got: %v", err)
	}
	if line["trace_id"] != traceID.String() || line["span_id"] != spanID.String() {
		t.Errorf("Expected trace fields, got %v", line)
	}
}

func TestTraceID_NoSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("Expected empty trace ID, got %q", id)
	}
}

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "sdm", "test", "test")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	_, span := tracer.StartCommandSpan(context.Background(), "run")
	RecordSuccess(span)
	span.End()
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}
