package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and events of one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

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

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// NewNop returns telemetry that logs nothing and exports nothing. Tests use
// it when they do not assert on telemetry.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	return &Telemetry{
		Logger:  Nop(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or
// nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Operation is one instrumented provider call.
type Operation struct {
	Ctx    context.Context
	Logger *Logger

	span         trace.Span
	timer        *Timer
	metrics      *Metrics
	resourceType string
	operation    string
}

// StartOperation opens a span, a scoped logger and a timer for one
// operation on one resource.
func (t *Telemetry) StartOperation(ctx context.Context, resourceType, resourceID, operation string) *Operation {
	spanCtx, span := t.Tracer.StartOperationSpan(ctx, resourceType, resourceID, operation)

	logger := t.Logger.WithResource(resourceType, resourceID).WithField("operation", operation)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}

	return &Operation{
		Ctx:          logger.WithContext(spanCtx),
		Logger:       logger,
		span:         span,
		timer:        NewTimer(),
		metrics:      t.Metrics,
		resourceType: resourceType,
		operation:    operation,
	}
}

// Span returns the operation span.
func (o *Operation) Span() trace.Span {
	return o.span
}

// End closes the span and records the outcome. code is the engine error
// code of err, empty on success.
func (o *Operation) End(err error, code string) {
	if err != nil {
		RecordError(o.span, err)
		if code != "" {
			o.span.SetAttributes(AttrErrorCode.String(code))
		}
		o.metrics.RecordError(code)
		o.Logger.WithError(err).Debug("operation failed")
	} else {
		RecordSuccess(o.span)
	}
	o.span.End()
	o.metrics.RecordOperation(o.resourceType, o.operation, o.timer.Duration(), err)
}
