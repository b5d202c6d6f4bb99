// Package telemetry provides observability for stagecraft: structured
// logging (zerolog), tracing (OpenTelemetry), metrics (Prometheus), and the
// progress event publisher that the engine reports through.
//
// # Usage
//
// Initialize telemetry at startup and hand its publisher to the engine as
// the progress sink:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.Subscribe(telemetry.PersistTo(store, logger), nil)
//	sched := engine.NewStageScheduler(runtime, prober, tel.Events, opts)
//
// # Progress Events
//
// EventPublisher implements engine.ProgressSink. Emit enqueues and returns;
// a single goroutine delivers events to subscribers in order. A full
// buffer drops events and counts them (see Dropped). Shutdown drains the
// queue, so call it before reading persisted events.
//
// Metrics are derived from the event stream rather than recorded by the
// engine itself:
//
//   - stagecraft_service_starts_total{outcome}
//   - stagecraft_service_start_duration_seconds{outcome}
//   - stagecraft_readiness_probes_failed_total{service}
//   - stagecraft_readiness_attempts
//   - stagecraft_actions_total{kind,outcome}
//   - stagecraft_action_duration_seconds{provider,kind}
//
// Provider call timings and state lock waits are reported directly through
// ObserveProviderCall and ObserveLockWait.
//
// # Tracing
//
// When tracing is enabled the tracer provider is installed globally, so
// spans started by the engine with otel.Tracer are exported. Supported
// exporters are "stdout", "otlp" (gRPC) and "none".
package telemetry
