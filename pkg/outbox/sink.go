package outbox

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
	"github.com/commerce-platform/stock-engine/pkg/resilience"
)

// CircuitBreakerSink stops hammering a broker that keeps failing. Rejected
// publishes count as failed attempts on the outbox row and are retried later.
type CircuitBreakerSink struct {
	next Sink
	cb   *resilience.CircuitBreaker
}

// NewCircuitBreakerSink wraps next with a breaker named name. m may be nil.
func NewCircuitBreakerSink(name string, next Sink, logger *logging.Logger, m *metrics.Metrics) *CircuitBreakerSink {
	config := resilience.DefaultCircuitBreakerConfig(name)
	config.MaxRequests = 5
	if m != nil {
		config.OnStateChange = func(name string, _, to gobreaker.State) {
			m.SetCircuitBreakerState(name, int(to))
			if to == gobreaker.StateOpen {
				m.RecordCircuitBreakerTrip(name)
			}
		}
	}

	return &CircuitBreakerSink{
		next: next,
		cb:   resilience.NewCircuitBreaker(config, logger.Logger),
	}
}

// Publish forwards to the wrapped sink through the breaker
func (s *CircuitBreakerSink) Publish(ctx context.Context, destination string, event *cloudevents.StockCloudEvent) error {
	return s.cb.Execute(ctx, func() error {
		return s.next.Publish(ctx, destination, event)
	})
}
