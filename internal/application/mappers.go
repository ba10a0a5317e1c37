package application

import "github.com/commerce-platform/stock-engine/internal/domain"

// ToStockLevelDTO converts a stock item
func ToStockLevelDTO(item *domain.StockItem) *StockLevelDTO {
	return &StockLevelDTO{
		StockItemID:      item.ID,
		ProductID:        item.ProductID,
		SKU:              item.SKU,
		LocationID:       item.LocationID,
		OnHand:           item.OnHand,
		Reserved:         item.Reserved,
		Available:        item.Available(),
		ReorderThreshold: item.ReorderThreshold,
		MaxStockLevel:    item.MaxStockLevel,
		Version:          item.Version,
		UpdatedAt:        item.UpdatedAt,
	}
}

// ToReservationDTO converts a reservation
func ToReservationDTO(r *domain.Reservation) *ReservationDTO {
	lines := make([]ReservationLineDTO, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = ReservationLineDTO{StockItemID: l.StockItemID, ProductID: l.ProductID, Quantity: l.Quantity, Cancelled: l.Cancelled}
	}
	return &ReservationDTO{
		ReservationID:    r.ID,
		RequesterID:      r.RequesterID,
		ReferenceID:      r.ReferenceID,
		CorrelationID:    r.CorrelationID,
		Status:           string(r.Status),
		Lines:            lines,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		ClosedAt:         r.ClosedAt,
		CloseReason:      r.CloseReason,
		ConfirmReference: r.ConfirmReference,
	}
}

// ToLedgerEntryDTO converts a ledger entry
func ToLedgerEntryDTO(e *domain.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             e.ID,
		StockItemID:    e.StockItemID,
		ProductID:      e.ProductID,
		QuantityDelta:  e.QuantityDelta,
		QuantityBefore: e.QuantityBefore,
		QuantityAfter:  e.QuantityAfter,
		Reason:         string(e.Reason),
		ReferenceID:    e.ReferenceID,
		ReferenceType:  e.ReferenceType,
		CorrelationID:  e.CorrelationID,
		Note:           e.Note,
		CreatedAt:      e.CreatedAt,
	}
}

// ToReconciliationDTO converts a reconciliation report
func ToReconciliationDTO(r *domain.Reconciliation) *ReconciliationDTO {
	return &ReconciliationDTO{
		StockItemID:      r.StockItemID,
		ProductID:        r.ProductID,
		InitialOnHand:    r.InitialOnHand,
		OnHand:           r.OnHand,
		Reserved:         r.Reserved,
		LedgerOnHandSum:  r.LedgerOnHandSum,
		LedgerReserved:   r.LedgerReserved,
		EntryCount:       r.EntryCount,
		OnHandBalanced:   r.OnHandBalanced,
		ReservedBalanced: r.ReservedBalanced,
		Balanced:         r.Balanced(),
	}
}
