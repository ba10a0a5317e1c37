package domain

import "time"

// Aggregate types carried on outbox rows
const (
	AggregateReservation = "Reservation"
	AggregateStockItem   = "StockItem"
)

// Event types
const (
	EventReservationCreated    = "commerce.stock.reservation.created"
	EventReservationCommitted  = "commerce.stock.reservation.committed"
	EventReservationReleased   = "commerce.stock.reservation.released"
	EventReservationExpired    = "commerce.stock.reservation.expired"
	EventInventoryReserved     = "commerce.stock.inventory.reserved"
	EventInventoryCommitted    = "commerce.stock.inventory.committed"
	EventInventoryReleased     = "commerce.stock.inventory.released"
	EventInventoryAdjusted     = "commerce.stock.inventory.adjusted"
	EventSaleCancelled         = "commerce.stock.sale.cancelled"
	EventBelowReorderThreshold = "commerce.stock.below-reorder-threshold"
	EventOutOfStock            = "commerce.stock.out-of-stock"
	EventReplenishmentRequired = "commerce.stock.replenishment-required"
)

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	EventType() string
	OccurredAt() time.Time
	AggregateID() string
	AggregateType() string
	GetCorrelationID() string
}

// ReservationCreatedEvent is published when a hold is placed
type ReservationCreatedEvent struct {
	ReservationID string            `json:"reservationId"`
	RequesterID   string            `json:"requesterId"`
	ReferenceID   string            `json:"referenceId,omitempty"`
	Lines         []ReservationLine `json:"lines"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func (e *ReservationCreatedEvent) EventType() string        { return EventReservationCreated }
func (e *ReservationCreatedEvent) OccurredAt() time.Time    { return e.CreatedAt }
func (e *ReservationCreatedEvent) AggregateID() string      { return e.ReservationID }
func (e *ReservationCreatedEvent) AggregateType() string    { return AggregateReservation }
func (e *ReservationCreatedEvent) GetCorrelationID() string { return e.CorrelationID }

// ReservationClosedEvent is published when a reservation reaches a terminal
// state. Its type depends on the status it closed with.
type ReservationClosedEvent struct {
	ReservationID string            `json:"reservationId"`
	Status        ReservationStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	ReferenceID   string            `json:"referenceId,omitempty"`
	Lines         []ReservationLine `json:"lines"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ClosedAt      time.Time         `json:"closedAt"`
}

func (e *ReservationClosedEvent) EventType() string {
	switch e.Status {
	case ReservationStatusConfirmed:
		return EventReservationCommitted
	case ReservationStatusExpired:
		return EventReservationExpired
	default:
		return EventReservationReleased
	}
}
func (e *ReservationClosedEvent) OccurredAt() time.Time    { return e.ClosedAt }
func (e *ReservationClosedEvent) AggregateID() string      { return e.ReservationID }
func (e *ReservationClosedEvent) AggregateType() string    { return AggregateReservation }
func (e *ReservationClosedEvent) GetCorrelationID() string { return e.CorrelationID }

// InventoryMovementEvent is published per stock item for every quantity
// change. Kind selects the event type: Reserved, Sale (committed), Released,
// Adjustment/Refund/SubscriptionAllocation (adjusted) or Cancellation.
type InventoryMovementEvent struct {
	StockItemID   string       `json:"stockItemId"`
	ProductID     string       `json:"productId"`
	Kind          LedgerReason `json:"reason"`
	Quantity      int          `json:"quantity"`
	OnHand        int          `json:"onHand"`
	Reserved      int          `json:"reserved"`
	Available     int          `json:"available"`
	ReservationID string       `json:"reservationId,omitempty"`
	LedgerEntryID string       `json:"ledgerEntryId"`
	ReferenceID   string       `json:"referenceId,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
	At            time.Time    `json:"at"`
}

func (e *InventoryMovementEvent) EventType() string {
	switch e.Kind {
	case ReasonReserved:
		return EventInventoryReserved
	case ReasonSale:
		return EventInventoryCommitted
	case ReasonReleased:
		return EventInventoryReleased
	case ReasonCancellation:
		return EventSaleCancelled
	default:
		return EventInventoryAdjusted
	}
}
func (e *InventoryMovementEvent) OccurredAt() time.Time    { return e.At }
func (e *InventoryMovementEvent) AggregateID() string      { return e.StockItemID }
func (e *InventoryMovementEvent) AggregateType() string    { return AggregateStockItem }
func (e *InventoryMovementEvent) GetCorrelationID() string { return e.CorrelationID }

// BelowReorderThresholdEvent fires when on-hand crosses under the threshold
type BelowReorderThresholdEvent struct {
	StockItemID      string    `json:"stockItemId"`
	ProductID        string    `json:"productId"`
	OnHand           int       `json:"onHand"`
	ReorderThreshold int       `json:"reorderThreshold"`
	CorrelationID    string    `json:"correlationId,omitempty"`
	DetectedAt       time.Time `json:"detectedAt"`
}

func (e *BelowReorderThresholdEvent) EventType() string        { return EventBelowReorderThreshold }
func (e *BelowReorderThresholdEvent) OccurredAt() time.Time    { return e.DetectedAt }
func (e *BelowReorderThresholdEvent) AggregateID() string      { return e.StockItemID }
func (e *BelowReorderThresholdEvent) AggregateType() string    { return AggregateStockItem }
func (e *BelowReorderThresholdEvent) GetCorrelationID() string { return e.CorrelationID }

// ReplenishmentRequiredEvent asks replenishment to top the item back up
type ReplenishmentRequiredEvent struct {
	StockItemID       string    `json:"stockItemId"`
	ProductID         string    `json:"productId"`
	OnHand            int       `json:"onHand"`
	MaxStockLevel     int       `json:"maxStockLevel"`
	SuggestedQuantity int       `json:"suggestedQuantity"`
	CorrelationID     string    `json:"correlationId,omitempty"`
	RequestedAt       time.Time `json:"requestedAt"`
}

func (e *ReplenishmentRequiredEvent) EventType() string        { return EventReplenishmentRequired }
func (e *ReplenishmentRequiredEvent) OccurredAt() time.Time    { return e.RequestedAt }
func (e *ReplenishmentRequiredEvent) AggregateID() string      { return e.StockItemID }
func (e *ReplenishmentRequiredEvent) AggregateType() string    { return AggregateStockItem }
func (e *ReplenishmentRequiredEvent) GetCorrelationID() string { return e.CorrelationID }

// OutOfStockEvent fires when on-hand reaches zero
type OutOfStockEvent struct {
	StockItemID   string    `json:"stockItemId"`
	ProductID     string    `json:"productId"`
	Reserved      int       `json:"reserved"`
	CorrelationID string    `json:"correlationId,omitempty"`
	DetectedAt    time.Time `json:"detectedAt"`
}

func (e *OutOfStockEvent) EventType() string        { return EventOutOfStock }
func (e *OutOfStockEvent) OccurredAt() time.Time    { return e.DetectedAt }
func (e *OutOfStockEvent) AggregateID() string      { return e.StockItemID }
func (e *OutOfStockEvent) AggregateType() string    { return AggregateStockItem }
func (e *OutOfStockEvent) GetCorrelationID() string { return e.CorrelationID }

// ThresholdEvents returns the edge-triggered events for an on-hand change
// from before to after. Nothing fires while on-hand stays on the same side.
func ThresholdEvents(before, after *StockItem, correlationID string, at time.Time) []DomainEvent {
	var events []DomainEvent
	at = at.UTC()
	if after.ReorderThreshold > 0 && before.OnHand >= after.ReorderThreshold && after.OnHand < after.ReorderThreshold {
		events = append(events,
			&BelowReorderThresholdEvent{
				StockItemID:      after.ID,
				ProductID:        after.ProductID,
				OnHand:           after.OnHand,
				ReorderThreshold: after.ReorderThreshold,
				CorrelationID:    correlationID,
				DetectedAt:       at,
			},
			&ReplenishmentRequiredEvent{
				StockItemID:       after.ID,
				ProductID:         after.ProductID,
				OnHand:            after.OnHand,
				MaxStockLevel:     after.MaxStockLevel,
				SuggestedQuantity: suggestedReplenishment(after),
				CorrelationID:     correlationID,
				RequestedAt:       at,
			},
		)
	}
	if before.OnHand > 0 && after.OnHand == 0 {
		events = append(events, &OutOfStockEvent{
			StockItemID:   after.ID,
			ProductID:     after.ProductID,
			Reserved:      after.Reserved,
			CorrelationID: correlationID,
			DetectedAt:    at,
		})
	}
	return events
}

func suggestedReplenishment(item *StockItem) int {
	target := item.MaxStockLevel
	if target <= 0 {
		target = item.ReorderThreshold * 2
	}
	if q := target - item.OnHand; q > 0 {
		return q
	}
	return 0
}
