package events

import (
	"context"
	"fmt"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
	"github.com/commerce-platform/stock-engine/pkg/kafka"
	"github.com/commerce-platform/stock-engine/pkg/outbox"
)

// Destination returns the topic (or routing key) an event is delivered to
func Destination(event domain.DomainEvent) string {
	switch event.EventType() {
	case domain.EventBelowReorderThreshold, domain.EventOutOfStock, domain.EventReplenishmentRequired:
		return kafka.Topics.ReplenishmentEvents
	}
	if event.AggregateType() == domain.AggregateReservation {
		return kafka.Topics.ReservationEvents
	}
	return kafka.Topics.StockEvents
}

// OutboxMapper turns domain events into outbox rows wrapping a CloudEvent
type OutboxMapper struct {
	factory *cloudevents.EventFactory
}

// NewOutboxMapper creates a mapper emitting events from factory's source
func NewOutboxMapper(factory *cloudevents.EventFactory) *OutboxMapper {
	return &OutboxMapper{factory: factory}
}

// ToOutbox converts events in order
func (m *OutboxMapper) ToOutbox(ctx context.Context, events []domain.DomainEvent) ([]*outbox.OutboxEvent, error) {
	rows := make([]*outbox.OutboxEvent, 0, len(events))
	for _, event := range events {
		ce := m.factory.CreateEventWithCorrelation(ctx, event.EventType(), event.AggregateID(), event, event.GetCorrelationID())
		ce.Time = event.OccurredAt().UTC()
		switch event.AggregateType() {
		case domain.AggregateReservation:
			ce.ReservationID = event.AggregateID()
		case domain.AggregateStockItem:
			ce.StockItemID = event.AggregateID()
		}

		row, err := outbox.NewOutboxEventFromCloudEvent(event.AggregateID(), event.AggregateType(), Destination(event), ce)
		if err != nil {
			return nil, fmt.Errorf("failed to create outbox event for %s: %w", event.EventType(), err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
