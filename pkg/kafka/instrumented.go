package kafka

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
	"github.com/commerce-platform/stock-engine/pkg/tracing"
)

// Publisher is anything that can put a CloudEvent on a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, event *cloudevents.StockCloudEvent) error
}

// InstrumentedProducer wraps a Publisher with metrics, tracing and logging
type InstrumentedProducer struct {
	next    Publisher
	metrics *metrics.Metrics
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewInstrumentedProducer creates a new instrumented producer. m may be nil.
func NewInstrumentedProducer(next Publisher, m *metrics.Metrics, logger *logging.Logger) *InstrumentedProducer {
	return &InstrumentedProducer{
		next:    next,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("kafka-producer"),
	}
}

// Publish publishes the event inside a producer span and injects the span's
// trace context into the event extensions.
func (p *InstrumentedProducer) Publish(ctx context.Context, topic string, event *cloudevents.StockCloudEvent) error {
	start := time.Now()

	attrs := tracing.PublishAttributes("kafka", topic, event.Type, event.ID)
	if event.CorrelationID != "" {
		attrs = append(attrs, attribute.String("commerce.correlation_id", event.CorrelationID))
	}
	ctx, span := p.tracer.Start(ctx, "kafka.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	if tp := tracing.Traceparent(ctx); tp != "" {
		if event.Extensions == nil {
			event.Extensions = make(map[string]any)
		}
		event.Extensions["traceparent"] = tp
	}

	err := p.next.Publish(ctx, topic, event)
	duration := time.Since(start)

	if p.metrics != nil {
		p.metrics.RecordPublish("kafka", topic, event.Type, err == nil, duration)
	}
	if p.logger != nil {
		p.logger.BrokerPublish(ctx, "kafka", topic, event.Type, err == nil, duration)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
