package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEventPublisher_AsyncPreservesOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 64, EnableAsync: true})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Feature)
		mu.Unlock()
	}, nil)

	features := []string{"core", "avatar", "protocol-info", "profile", "capabilities"}
	for _, f := range features {
		if err := ep.PublishFeatureStatus("/acc", f, "pending", "ready", nil); err != nil {
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
	if len(got) != len(features) {
		t.Fatalf("Expected %d events, got %d", len(features), len(got))
	}
	for i := range features {
		if got[i] != features[i] {
			t.Errorf("Event %d: expected %s, got %s", i, features[i], got[i])
		}
	}
}

func TestEventPublisher_DisabledAndNil(t *testing.T) {
	var nilPublisher *EventPublisher
	if err := nilPublisher.Publish(Event{Type: "x"}); err != nil {
		t.Errorf("Nil publisher should ignore events, got %v", err)
	}

	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	_ = ep.PublishProxyRemoved("/acc")
	if called {
		t.Error("Disabled publisher should not deliver events")
	}
}

func TestEventPublisher_FailedReadinessCarriesError(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})

	var got Event
	ep.Subscribe(func(e Event) { got = e }, nil)
	_ = ep.PublishReadiness("/acc", "req-1", []string{"core"}, errors.New("boom"), time.Millisecond)

	if got.Type != EventTypeReadinessFailed {
		t.Errorf("Expected %s, got %s", EventTypeReadinessFailed, got.Type)
	}
	if got.Data["error"] != "boom" {
		t.Errorf("Expected error in event data, got %v", got.Data["error"])
	}
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be filled in")
	}
}

func TestMetrics_NilAndDisabledAreSafe(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordFeatureIntrospection("core", "ready", time.Millisecond)
	nilMetrics.RecordPropertyChanges("raw", 3)
	nilMetrics.SetHandoffQueueDepth(2)

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	disabled.RecordHandoffBuild("failed")
	disabled.RecordCapabilityRecompute()
	if disabled.Registry() != nil {
		t.Error("Disabled metrics should not have a registry")
	}
}

func TestMetrics_Enabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordFeatureIntrospection("core", "ready", 5*time.Millisecond)
	m.RecordReadinessRequest("success")
	m.RecordHandoffBuild("built")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"test_feature_introspections_total",
		"test_readiness_requests_total",
		"test_handoff_builds_total",
	} {
		if !names[want] {
			t.Errorf("Expected metric %s to be registered", want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected invalid log level to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unsupported exporter to fail validation")
	}
}

func TestNopLogger(t *testing.T) {
	l := NopLogger().NewComponentLogger("x").WithFeature("core").WithObjectPath("/acc")
	l.Info("discarded")

	if FromContext(context.Background()) == nil {
		t.Error("FromContext should never return nil")
	}
}

func TestEventFilters(t *testing.T) {
	failed := Event{Type: EventTypeConnectionFailed, Level: EventLevelError}
	built := Event{Type: EventTypeConnectionBuilt, Level: EventLevelInfo}
	removed := Event{Type: EventTypeProxyRemoved, Level: EventLevelWarning}

	if AllOf() != nil || AllOf(nil, nil) != nil {
		t.Error("AllOf without filters should pass everything as nil")
	}

	connections := FilterByType(EventTypeConnectionBuilt, EventTypeConnectionFailed)
	if !connections(failed) || !connections(built) || connections(removed) {
		t.Error("FilterByType passed the wrong events")
	}

	warnings := FilterByLevel(EventLevelWarning)
	if !warnings(failed) || warnings(built) || !warnings(removed) {
		t.Error("FilterByLevel passed the wrong events")
	}

	both := AllOf(connections, nil, warnings)
	if !both(failed) || both(built) || both(removed) {
		t.Error("AllOf should require every filter")
	}

	if !ValidEventLevel(EventLevelWarning) || ValidEventLevel("debug") {
		t.Error("ValidEventLevel mismatch")
	}
	if !ValidEventType(EventTypeProxyRemoved) || ValidEventType("proxy.created") {
		t.Error("ValidEventType mismatch")
	}
}

func TestStartOperation(t *testing.T) {
	cfg := TestConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Namespace = "optest"

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("Expected telemetry in context")
	}

	op := StartOperation(ctx, "profile.load", AttrService.String("google-talk"))
	if TraceID(op.Ctx) == "" || SpanID(op.Ctx) == "" {
		t.Error("Expected a span in the operation context")
	}
	op.End(errors.New("boom"))

	families, err := tel.Metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "optest_operation_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("Expected the operation to be recorded")
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	ctx := context.Background()
	op := StartOperation(ctx, "profile.load")
	if op.Ctx != ctx {
		t.Error("Expected the context to pass through")
	}
	if TraceID(op.Ctx) != "" {
		t.Error("Expected no trace without telemetry")
	}
	op.End(nil)
}
