package telemetry_test

import (
	"context"
	"fmt"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/telemetry"
)

func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Events.EnableAsync = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("machine started")
}

func Example_eventFiltering() {
	publisher, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	publisher.Subscribe(func(e engine.Event) {
		fmt.Printf("%s %s\n", e.Goal, e.Type)
	}, telemetry.FilterByType(engine.EventTypeGoalFailed))

	ctx := context.Background()
	_ = publisher.Publish(ctx, &engine.Event{RunID: "run-1", Goal: "Build", Type: engine.EventTypeGoalStarted})
	_ = publisher.Publish(ctx, &engine.Event{RunID: "run-1", Goal: "Build", Type: engine.EventTypeGoalFailed})

	// Output: Build goal_failed
}
