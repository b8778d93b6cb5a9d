package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
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

	logger := tel.Logger.NewComponentLogger("example").Zerolog()
	logger.Debug().Msg("Application started")

	fmt.Println("Telemetry ready")
	// Output: Telemetry ready
}

// Example_metricsCollection demonstrates recording the layout metrics.
func Example_metricsCollection() {
	metrics, _ := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)

	metrics.RecordMutation("leaf")
	metrics.SaveStarted()
	metrics.RecordSave("ok", 3*time.Millisecond)
	metrics.RecordLoad("store")
	metrics.RecordGeneration("preview", "ok", 120*time.Millisecond)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	events, _ := telemetry.NewEventPublisher(cfg.Events)
	defer events.Shutdown(context.Background())

	unsubscribe := events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeLayoutChanged))
	defer unsubscribe()

	_ = events.PublishLayoutChanged("leaf", "spells_notes")
	_ = events.PublishConfigReloaded("file")

	// Output: layout.changed: Layout changed: leaf spells_notes
}
