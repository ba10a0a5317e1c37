package cloudevents

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commerce-platform/stock-engine/pkg/logging"
)

// EventFactory creates CloudEvents for stock domain events
type EventFactory struct {
	source string
	now    func() time.Time
}

// NewEventFactory creates a new EventFactory for a specific source
func NewEventFactory(source string) *EventFactory {
	return &EventFactory{source: source, now: time.Now}
}

// CreateEvent creates a new StockCloudEvent. The correlation id is taken from
// ctx when present.
func (f *EventFactory) CreateEvent(ctx context.Context, eventType, subject string, data any) *StockCloudEvent {
	return &StockCloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          f.source,
		Subject:         subject,
		ID:              uuid.New().String(),
		Time:            f.now().UTC(),
		DataContentType: "application/json",
		Data:            data,
		Extensions:      make(map[string]any),
		CorrelationID:   logging.CorrelationIDFromContext(ctx),
	}
}

// CreateEventWithCorrelation creates an event with an explicit correlation id,
// overriding whatever ctx carries.
func (f *EventFactory) CreateEventWithCorrelation(ctx context.Context, eventType, subject string, data any, correlationID string) *StockCloudEvent {
	event := f.CreateEvent(ctx, eventType, subject, data)
	if correlationID != "" {
		event.CorrelationID = correlationID
	}
	return event
}
