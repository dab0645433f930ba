// Package telemetry provides observability for kidneyflow pipeline runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and lifecycle events behind a single Telemetry value
// that travels in the context.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Library code retrieves the logger with FromContext and never needs to
// nil-check it.
//
// # Run and Stage Instrumentation
//
// The orchestrator brackets every run and stage:
//
//	ctx = telemetry.WithRunContext(ctx, runID, stages)
//	defer telemetry.EndRunContext(ctx, runID, state, failedStage, duration, err)
//
//	stageCtx := telemetry.WithStageContext(ctx, runID, "training")
//	telemetry.EndStageContext(stageCtx, runID, "training", "succeeded", "", d, artifacts, nil)
//
// Each bracket opens a span, scopes the logger, records metrics and
// publishes run.* and stage.* events.
//
// # Metrics
//
// Metrics live in a private registry. Long interactive runs can expose it
// over HTTP with StartMetricsServer; batch runs set TextfilePath and the
// registry is written at Shutdown for node_exporter's textfile collector.
//
// # Events
//
// Events are delivered synchronously by default so subscribers observe
// them in publish order. Set EnableAsync for buffered delivery.
package telemetry
