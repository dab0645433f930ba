package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// MetricsFromContext returns the metrics of the telemetry in ctx, or a
// disabled instance whose methods are no-ops.
func MetricsFromContext(ctx context.Context) *Metrics {
	if t := FromTelemetryContext(ctx); t != nil && t.Metrics != nil {
		return t.Metrics
	}
	return &Metrics{}
}

// Shutdown drains events, flushes spans and writes the metrics textfile.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath)
}

// InstrumentedContext is a context with a span, a scoped logger and a timer.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx).WithField("operation", operation),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := FromContext(ctx).WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// runSpanKey is the context key for run spans.
type runSpanKey struct{}

// WithRunContext starts the run span, scopes the logger to the run and
// publishes the run started event.
func WithRunContext(ctx context.Context, runID string, stages []string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return FromContext(ctx).WithRunID(runID).WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID)
	logger := FromContext(ctx).WithRunID(runID)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted()
	_ = tel.Events.PublishRunStarted(runID, stages)

	return context.WithValue(spanCtx, runSpanKey{}, span)
}

// EndRunContext completes the run span, records run metrics and publishes
// the completion or failure event.
func EndRunContext(ctx context.Context, runID, state, failedStage string, duration time.Duration, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunState.String(state))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordRunCompleted(state, duration)

	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, failedStage, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(runID, state, duration)
	}
}

// stageSpanKey is the context key for stage spans.
type stageSpanKey struct{}

// WithStageContext starts the stage span, scopes the logger to the stage
// and publishes the stage started event.
func WithStageContext(ctx context.Context, runID, stage string) context.Context {
	logger := FromContext(ctx).WithStage(stage)
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartStageSpan(ctx, runID, stage)
	spanCtx = logger.WithContext(spanCtx)

	_ = tel.Events.PublishStageStarted(runID, stage)

	return context.WithValue(spanCtx, stageSpanKey{}, span)
}

// EndStageContext completes the stage span, records stage metrics and
// publishes the stage outcome.
func EndStageContext(ctx context.Context, runID, stage, status, errorKind string, duration time.Duration, artifacts []string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(stageSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrStageState.String(status))
		if err != nil {
			span.SetAttributes(AttrErrorKind.String(errorKind))
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordStage(stage, status, duration)

	if err != nil {
		tel.Metrics.RecordError(errorKind)
		_ = tel.Events.PublishStageFailed(runID, stage, err.Error())
	} else {
		_ = tel.Events.PublishStageCompleted(runID, stage, duration, artifacts)
	}
}
