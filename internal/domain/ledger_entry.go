package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LedgerReason is the cause recorded on a ledger entry
type LedgerReason string

const (
	ReasonReserved               LedgerReason = "Reserved"
	ReasonSale                   LedgerReason = "Sale"
	ReasonReleased               LedgerReason = "Released"
	ReasonCancellation           LedgerReason = "Cancellation"
	ReasonAdjustment             LedgerReason = "Adjustment"
	ReasonRefund                 LedgerReason = "Refund"
	ReasonSubscriptionAllocation LedgerReason = "SubscriptionAllocation"
)

// IsValid checks the reason is one of the known reasons
func (r LedgerReason) IsValid() bool {
	switch r {
	case ReasonReserved, ReasonSale, ReasonReleased, ReasonCancellation,
		ReasonAdjustment, ReasonRefund, ReasonSubscriptionAllocation:
		return true
	}
	return false
}

// AffectsOnHand reports whether entries with this reason explain on-hand.
// Reserved and Released entries explain availability instead.
func (r LedgerReason) AffectsOnHand() bool {
	return r.IsValid() && r != ReasonReserved && r != ReasonReleased
}

// IsAdjustmentReason reports whether the reason may be used on the adjustment path
func (r LedgerReason) IsAdjustmentReason() bool {
	switch r {
	case ReasonAdjustment, ReasonRefund, ReasonSubscriptionAllocation:
		return true
	}
	return false
}

// LedgerEntry is an immutable record of one quantity change
type LedgerEntry struct {
	ID             string       `bson:"_id" json:"id"`
	StockItemID    string       `bson:"stockItemId" json:"stockItemId"`
	ProductID      string       `bson:"productId" json:"productId"`
	QuantityDelta  int          `bson:"quantityDelta" json:"quantityDelta"`
	QuantityBefore int          `bson:"quantityBefore" json:"quantityBefore"`
	QuantityAfter  int          `bson:"quantityAfter" json:"quantityAfter"`
	Reason         LedgerReason `bson:"reason" json:"reason"`
	ReferenceID    string       `bson:"referenceId,omitempty" json:"referenceId,omitempty"`
	ReferenceType  string       `bson:"referenceType,omitempty" json:"referenceType,omitempty"`
	ReservationID  string       `bson:"reservationId,omitempty" json:"reservationId,omitempty"`
	CorrelationID  string       `bson:"correlationId,omitempty" json:"correlationId,omitempty"`
	IdempotencyKey string       `bson:"idempotencyKey,omitempty" json:"idempotencyKey,omitempty"`
	Note           string       `bson:"note,omitempty" json:"note,omitempty"`
	CreatedAt      time.Time    `bson:"createdAt" json:"createdAt"`
}

// Reference types attached to ledger entries
const (
	ReferenceTypeReservation = "reservation"
	ReferenceTypeOrder       = "order"
	ReferenceTypeAdjustment  = "adjustment"
)

// NewLedgerEntryID returns an id of the form LE-<unix>-<8 hex chars>
func NewLedgerEntryID(at time.Time) string {
	return fmt.Sprintf("LE-%d-%s", at.Unix(), uuid.New().String()[:8])
}

// NewLedgerEntry builds an entry for a change of delta against before.
// before and after are expressed in available for Reserved/Released and in
// on-hand for every other reason.
func NewLedgerEntry(item *StockItem, reason LedgerReason, delta int, at time.Time) *LedgerEntry {
	before := item.OnHand
	if !reason.AffectsOnHand() {
		before = item.Available()
	}
	return &LedgerEntry{
		ID:             NewLedgerEntryID(at),
		StockItemID:    item.ID,
		ProductID:      item.ProductID,
		QuantityDelta:  delta,
		QuantityBefore: before,
		QuantityAfter:  before + delta,
		Reason:         reason,
		CreatedAt:      at.UTC(),
	}
}

// WithReference sets the reference id and type
func (e *LedgerEntry) WithReference(id, refType string) *LedgerEntry {
	e.ReferenceID = id
	if id != "" {
		e.ReferenceType = refType
	}
	return e
}

// Matches reports whether the entry records the same change against the same
// item and reservation. An idempotency key replays only on a match.
func (e *LedgerEntry) Matches(stockItemID, reservationID string, reason LedgerReason, delta int) bool {
	return e.StockItemID == stockItemID &&
		e.ReservationID == reservationID &&
		e.Reason == reason &&
		e.QuantityDelta == delta
}

// Reconciliation compares an item's counters with the sums of its ledger
type Reconciliation struct {
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
}

// Balanced reports whether both counters are explained by the ledger
func (r *Reconciliation) Balanced() bool {
	return r.OnHandBalanced && r.ReservedBalanced
}

// Reconcile checks that on-hand reasons sum to onHand - initialOnHand and
// that reserved == -ΣReserved - ΣReleased + ΣSale.
func Reconcile(item *StockItem, entries []*LedgerEntry) *Reconciliation {
	r := &Reconciliation{
		StockItemID:   item.ID,
		ProductID:     item.ProductID,
		InitialOnHand: item.InitialOnHand,
		OnHand:        item.OnHand,
		Reserved:      item.Reserved,
		EntryCount:    len(entries),
	}
	for _, e := range entries {
		if e.Reason.AffectsOnHand() {
			r.LedgerOnHandSum += e.QuantityDelta
		}
		switch e.Reason {
		case ReasonReserved, ReasonReleased:
			r.LedgerReserved -= e.QuantityDelta
		case ReasonSale:
			r.LedgerReserved += e.QuantityDelta
		}
	}
	r.OnHandBalanced = r.LedgerOnHandSum == item.OnHand-item.InitialOnHand
	r.ReservedBalanced = r.LedgerReserved == item.Reserved
	return r
}
