package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
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

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
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

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext returns the telemetry stored by WithContext, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Nop returns telemetry that discards logs and records nothing.
func Nop() *Telemetry {
	return &Telemetry{
		Logger: NopLogger(),
		Events: &EventPublisher{},
		Config: TestConfig(),
	}
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Operation is an instrumented unit of work started by StartOperation.
type Operation struct {
	Ctx    context.Context
	Logger *Logger

	name    string
	span    trace.Span
	metrics *Metrics
	timer   *Timer
}

// StartOperation starts a span and a timer for operation using the
// telemetry stored in ctx by WithContext. Without telemetry in ctx it only
// times the operation.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Logger: FromContext(ctx), name: operation, timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return op
	}
	op.metrics = tel.Metrics
	op.Ctx, op.span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	op.Logger = tel.Logger.WithField("operation", operation)
	if id := TraceID(op.Ctx); id != "" {
		op.Logger = op.Logger.WithFields(map[string]interface{}{
			"trace_id": id,
			"span_id":  SpanID(op.Ctx),
		})
	}
	return op
}

// End finishes the operation with err as its outcome.
func (op *Operation) End(err error) {
	took := op.timer.Duration()
	if op.span != nil {
		EndSpan(op.span, err)
	}
	result := "success"
	if err != nil {
		result = "failed"
		op.Logger.WithError(err).Debugf("Operation failed after %s", took)
	}
	op.metrics.RecordOperation(op.name, result, took)
}
