// Package telemetry provides observability instrumentation for sheetsmith.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event stream into a
// single bundle that is built once at startup and handed to the sync layer,
// the document collaborators and the API server.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests and one-shot commands can use Nop, which records nothing.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("configsync").Zerolog()
//	logger.Warn().Uint64("revision", rev).Err(err).Msg("Config save failed")
//
// # Tracing
//
// Spans are opened around config loads and saves (configsync.load,
// configsync.save), document generation (documents.generate) and policy
// evaluation. Supported exporters are otlp (gRPC), stdout and none.
//
// # Metrics
//
// All metrics live in a private registry under the "sheetsmith" namespace:
//
//   - mutations_total{kind}
//   - saves_total{result}, save_duration_seconds, saves_in_flight
//   - loads_total{source}, config_reloads_total
//   - generations_total{mode,status}, generation_duration_seconds{mode}
//   - policy_denials_total{policy}
//   - http_requests_total{method,route,code}
//
// The registry is served by the API server on /metrics, or by a dedicated
// listener when metrics.listen_address is set.
//
// # Events
//
// EventPublisher fans out layout, config and generation events. The API server
// streams them to browsers on /api/events so that open pages follow changes
// made from the terminal editor or by editing the config file.
package telemetry
