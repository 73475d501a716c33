// Package telemetry provides observability for hostkeeper.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry with stdout
// or OTLP gRPC exporters), Prometheus metrics on a private registry, and an
// event publisher for registry, discovery, tool and workflow events.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Library packages take a zerolog.Logger plus optional *Metrics, *Tracer and
// *EventPublisher. All three are nil-safe, so tests can pass nil.
package telemetry
