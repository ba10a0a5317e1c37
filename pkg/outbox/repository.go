package outbox

import (
	"context"
	"time"

	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
)

// Repository stores outbox rows. SaveAll is called inside the stock commit;
// the rest is used by the Publisher.
type Repository interface {
	SaveAll(ctx context.Context, events []*OutboxEvent) error
	// FindUnpublished returns up to limit retryable rows, oldest first
	FindUnpublished(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID string) error
	IncrementRetry(ctx context.Context, eventID string, errorMsg string) error
	// DeletePublished drops rows published before the cutoff
	DeletePublished(ctx context.Context, before time.Time) (int64, error)
	FindByAggregateID(ctx context.Context, aggregateID string) ([]*OutboxEvent, error)
}

// Sink delivers a CloudEvent to a broker destination, a kafka topic or a
// rabbitmq routing key.
type Sink interface {
	Publish(ctx context.Context, destination string, event *cloudevents.StockCloudEvent) error
}
