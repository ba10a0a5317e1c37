package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
)

// DefaultMaxRetries is how many failed deliveries park a row
const DefaultMaxRetries = 10

// ErrRowNotFound is returned when a publish outcome names an unknown row
var ErrRowNotFound = errors.New("outbox row not found")

// OutboxEvent is a CloudEvent stored in the same commit as the stock change
// it describes, waiting for the publisher.
type OutboxEvent struct {
	ID            string          `bson:"_id" json:"id"`
	AggregateID   string          `bson:"aggregateId" json:"aggregateId"`
	AggregateType string          `bson:"aggregateType" json:"aggregateType"`
	EventType     string          `bson:"eventType" json:"eventType"`
	Destination   string          `bson:"destination" json:"destination"`
	Payload       json.RawMessage `bson:"payload" json:"payload"`
	CreatedAt     time.Time       `bson:"createdAt" json:"createdAt"`
	PublishedAt   *time.Time      `bson:"publishedAt,omitempty" json:"publishedAt,omitempty"`
	RetryCount    int             `bson:"retryCount" json:"retryCount"`
	MaxRetries    int             `bson:"maxRetries" json:"maxRetries"`
	LastError     string          `bson:"lastError,omitempty" json:"lastError,omitempty"`
}

// NewOutboxEventFromCloudEvent serializes event into a pending row
func NewOutboxEventFromCloudEvent(aggregateID, aggregateType, destination string, event *cloudevents.StockCloudEvent) (*OutboxEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     event.Type,
		Destination:   destination,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		MaxRetries:    DefaultMaxRetries,
	}, nil
}

func (e *OutboxEvent) IsPublished() bool {
	return e.PublishedAt != nil
}

// ShouldRetry reports whether the publisher should still pick the row up
func (e *OutboxEvent) ShouldRetry() bool {
	return !e.IsPublished() && e.RetryCount < e.MaxRetries
}

// ToCloudEvent decodes the stored payload
func (e *OutboxEvent) ToCloudEvent() (*cloudevents.StockCloudEvent, error) {
	return cloudevents.Unmarshal(e.Payload)
}
