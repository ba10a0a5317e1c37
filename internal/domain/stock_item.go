package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StockItem is the per-unit counter pair guarded by an optimistic version stamp
type StockItem struct {
	ID               string    `bson:"_id" json:"id"`
	ProductID        string    `bson:"productId" json:"productId"`
	SKU              string    `bson:"sku" json:"sku"`
	LocationID       string    `bson:"locationId" json:"locationId,omitempty"`
	InitialOnHand    int       `bson:"initialOnHand" json:"initialOnHand"`
	OnHand           int       `bson:"onHand" json:"onHand"`
	Reserved         int       `bson:"reserved" json:"reserved"`
	ReorderThreshold int       `bson:"reorderThreshold" json:"reorderThreshold"`
	MaxStockLevel    int       `bson:"maxStockLevel" json:"maxStockLevel"`
	Version          int64     `bson:"version" json:"version"`
	CreatedAt        time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time `bson:"updatedAt" json:"updatedAt"`
}

// NewStockItem onboards a product at an initial on-hand quantity
func NewStockItem(productID, sku, locationID string, onHand, reorderThreshold, maxStockLevel int, now time.Time) (*StockItem, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, ErrMissingProductID
	}
	if onHand < 0 || reorderThreshold < 0 || maxStockLevel < 0 {
		return nil, ErrInvalidQuantity
	}
	now = now.UTC()
	return &StockItem{
		ID:               "STK-" + uuid.New().String(),
		ProductID:        productID,
		SKU:              sku,
		LocationID:       locationID,
		InitialOnHand:    onHand,
		OnHand:           onHand,
		ReorderThreshold: reorderThreshold,
		MaxStockLevel:    maxStockLevel,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Available is on-hand minus reserved. It may be negative after an adjustment.
func (s *StockItem) Available() int {
	return s.OnHand - s.Reserved
}

// Apply returns a copy of the item with the deltas applied and the version bumped.
func (s *StockItem) Apply(onHandDelta, reservedDelta int, at time.Time) *StockItem {
	next := *s
	next.OnHand += onHandDelta
	next.Reserved += reservedDelta
	next.Version++
	next.UpdatedAt = at.UTC()
	return &next
}

// IsBelowThreshold reports whether on-hand sits under the reorder threshold
func (s *StockItem) IsBelowThreshold() bool {
	return s.ReorderThreshold > 0 && s.OnHand < s.ReorderThreshold
}
