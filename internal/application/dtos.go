package application

import "time"

// StockLevelDTO represents the counters of one stock item
type StockLevelDTO struct {
	StockItemID      string    `json:"stockItemId"`
	ProductID        string    `json:"productId"`
	SKU              string    `json:"sku"`
	LocationID       string    `json:"locationId,omitempty"`
	OnHand           int       `json:"onHand"`
	Reserved         int       `json:"reserved"`
	Available        int       `json:"available"`
	ReorderThreshold int       `json:"reorderThreshold"`
	MaxStockLevel    int       `json:"maxStockLevel"`
	Version          int64     `json:"version"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ReservationLineDTO represents one held line
type ReservationLineDTO struct {
	StockItemID string `json:"stockItemId"`
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	Cancelled   int    `json:"cancelled,omitempty"`
}

// ReservationDTO represents a reservation in responses
type ReservationDTO struct {
	ReservationID    string               `json:"reservationId"`
	RequesterID      string               `json:"requesterId"`
	ReferenceID      string               `json:"referenceId,omitempty"`
	CorrelationID    string               `json:"correlationId,omitempty"`
	Status           string               `json:"status"`
	Lines            []ReservationLineDTO `json:"lines"`
	CreatedAt        time.Time            `json:"createdAt"`
	ExpiresAt        time.Time            `json:"expiresAt"`
	ClosedAt         *time.Time           `json:"closedAt,omitempty"`
	CloseReason      string               `json:"closeReason,omitempty"`
	ConfirmReference string               `json:"confirmReference,omitempty"`
}

// LedgerEntryDTO represents one ledger entry
type LedgerEntryDTO struct {
	ID             string    `json:"id"`
	StockItemID    string    `json:"stockItemId"`
	ProductID      string    `json:"productId"`
	QuantityDelta  int       `json:"quantityDelta"`
	QuantityBefore int       `json:"quantityBefore"`
	QuantityAfter  int       `json:"quantityAfter"`
	Reason         string    `json:"reason"`
	ReferenceID    string    `json:"referenceId,omitempty"`
	ReferenceType  string    `json:"referenceType,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AdjustmentResultDTO is returned by AdjustStock. Replayed is set when the
// idempotency key had already been applied.
type AdjustmentResultDTO struct {
	LedgerEntryID string        `json:"ledgerEntryId"`
	Replayed      bool          `json:"replayed"`
	Stock         StockLevelDTO `json:"stock"`
}

// CancellationResultDTO lists the Cancellation entries written
type CancellationResultDTO struct {
	LedgerEntryIDs []string `json:"ledgerEntryIds"`
	Replayed       bool     `json:"replayed,omitempty"`
}

// ReconciliationDTO compares counters with ledger sums
type ReconciliationDTO struct {
	StockItemID      string `json:"stockItemId"`
	ProductID        string `json:"productId"`
	InitialOnHand    int    `json:"initialOnHand"`
	OnHand           int    `json:"onHand"`
	Reserved         int    `json:"reserved"`
	LedgerOnHandSum  int    `json:"ledgerOnHandSum"`
	LedgerReserved   int    `json:"ledgerReserved"`
	EntryCount       int    `json:"entryCount"`
	OnHandBalanced   bool   `json:"onHandBalanced"`
	ReservedBalanced bool   `json:"reservedBalanced"`
	Balanced         bool   `json:"balanced"`
}
