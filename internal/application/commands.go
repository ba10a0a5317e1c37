package application

import (
	"time"

	"github.com/commerce-platform/stock-engine/internal/domain"
)

// ReserveLine is one requested product quantity
type ReserveLine struct {
	ProductID  string
	LocationID string
	Quantity   int
}

// ReserveStockCommand places a multi-line hold. A nil TTL uses the
// configured default; zero is a valid TTL.
type ReserveStockCommand struct {
	Lines       []ReserveLine
	RequesterID string
	ReferenceID string
	TTL         *time.Duration
}

// ConfirmReservationCommand converts a hold into a sale
type ConfirmReservationCommand struct {
	ReservationID  string
	ReferenceID    string
	IdempotencyKey string
}

// ReleaseReservationCommand frees a hold
type ReleaseReservationCommand struct {
	ReservationID string
	Reason        string
}

// CancelSaleCommand returns a confirmed sale to on-hand, addressed either by
// stock item or by the confirmed reservation
type CancelSaleCommand struct {
	StockItemID    string
	ReservationID  string
	Quantity       int
	ReferenceID    string
	IdempotencyKey string
}

// AdjustStockCommand changes on-hand out of band
type AdjustStockCommand struct {
	ProductID      string
	LocationID     string
	Delta          int
	Reason         domain.LedgerReason
	Note           string
	ReferenceID    string
	IdempotencyKey string
}

// CreateStockItemCommand onboards a product
type CreateStockItemCommand struct {
	ProductID        string
	SKU              string
	LocationID       string
	OnHand           int
	ReorderThreshold int
	MaxStockLevel    int
}

// GetStockItemQuery looks up one product at one location
type GetStockItemQuery struct {
	ProductID  string
	LocationID string
}

// GetLedgerQuery lists ledger entries for a product, newest first
type GetLedgerQuery struct {
	ProductID  string
	LocationID string
	Limit      int
}
