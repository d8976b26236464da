package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Proxy host started")

	// Output can vary, so we don't specify output for this example
}

// Example_eventSubscription demonstrates ordered synchronous event delivery.
func Example_eventSubscription() {
	cfg := telemetry.TestConfig()

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Feature)
	}, telemetry.FilterByType(telemetry.EventTypeFeatureStatusChanged))

	_ = tel.Events.PublishFeatureStatus("/acc", "core", "in_progress", "ready", nil)
	_ = tel.Events.PublishConnectionDropped("/acc", "/conn")

	// Output:
	// feature.status_changed core
}
