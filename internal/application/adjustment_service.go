package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
)

// AdjustmentService changes on-hand outside of the reservation flow
type AdjustmentService struct {
	engine
}

// NewAdjustmentService creates a new AdjustmentService
func NewAdjustmentService(store domain.Store, logger *logging.Logger, m *metrics.Metrics, config *EngineConfig) *AdjustmentService {
	return &AdjustmentService{engine: newEngine(store, logger.WithComponent("adjustment-service"), m, config)}
}

// CreateStockItem onboards a product at its initial on-hand quantity
func (s *AdjustmentService) CreateStockItem(ctx context.Context, cmd CreateStockItemCommand) (*StockLevelDTO, error) {
	item, err := domain.NewStockItem(cmd.ProductID, cmd.SKU, cmd.LocationID, cmd.OnHand, cmd.ReorderThreshold, cmd.MaxStockLevel, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateStockItem(ctx, item); err != nil {
		s.logger.WithContext(ctx).Warn("Failed to create stock item", "productId", cmd.ProductID, "error", err)
		return nil, fmt.Errorf("failed to create stock item: %w", err)
	}

	s.logger.WithContext(ctx).Info("Created stock item", "stockItemId", item.ID, "productId", item.ProductID, "onHand", item.OnHand)
	return ToStockLevelDTO(item), nil
}

// Adjust applies delta to on-hand. Reserved is untouched, so available may go
// negative; that is detected when a reservation against it is confirmed.
func (s *AdjustmentService) Adjust(ctx context.Context, cmd AdjustStockCommand) (*AdjustmentResultDTO, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = domain.ReasonAdjustment
	}
	if !reason.IsAdjustmentReason() {
		return nil, fmt.Errorf("%s: %w", reason, domain.ErrInvalidReason)
	}
	if cmd.Delta == 0 {
		return nil, domain.ErrZeroDelta
	}

	item, err := s.store.FindStockItemByProduct(ctx, cmd.ProductID, cmd.LocationID)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", cmd.ProductID, err)
	}
	if cmd.IdempotencyKey != "" {
		if result, ok, err := s.replay(ctx, cmd.IdempotencyKey, item.ID, reason, cmd.Delta); err != nil || ok {
			return result, err
		}
	}

	snap := newSnapshot(s.store)
	snap.put(item)

	correlationID := logging.CorrelationIDFromContext(ctx)
	referenceID, referenceType := cmd.ReferenceID, domain.ReferenceTypeAdjustment
	if referenceID == "" {
		referenceType = ""
	}

	var entry *domain.LedgerEntry
	err = s.withRetry(ctx, "adjust", snap, func() error {
		current, err := snap.item(ctx, item.ID)
		if err != nil {
			return err
		}
		cs := &domain.ChangeSet{At: s.now()}
		entry = movement{
			item:           current,
			reason:         reason,
			onHandDelta:    cmd.Delta,
			ledgerDelta:    cmd.Delta,
			quantity:       cmd.Delta,
			referenceID:    referenceID,
			referenceType:  referenceType,
			correlationID:  correlationID,
			idempotencyKey: cmd.IdempotencyKey,
			note:           cmd.Note,
		}.apply(cs)
		return s.store.Commit(ctx, cs)
	})
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		result, ok, replayErr := s.replay(ctx, cmd.IdempotencyKey, item.ID, reason, cmd.Delta)
		if replayErr != nil {
			return nil, replayErr
		}
		if ok {
			return result, nil
		}
	}
	if err != nil {
		s.logger.WithContext(ctx).Warn("Adjustment failed", "productId", cmd.ProductID, "delta", cmd.Delta, "error", err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordStockAdjustment(string(reason))
	}
	s.logger.Event(ctx, "stock.adjusted", map[string]any{
		"stockItemId":   item.ID,
		"delta":         cmd.Delta,
		"reason":        reason,
		"ledgerEntryId": entry.ID,
	})

	updated, err := s.store.GetStockItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return &AdjustmentResultDTO{LedgerEntryID: entry.ID, Stock: *ToStockLevelDTO(updated)}, nil
}

// replay returns the result stored under key. A key already used for another
// item, reason or delta is rejected rather than replayed.
func (s *AdjustmentService) replay(ctx context.Context, key, stockItemID string, reason domain.LedgerReason, delta int) (*AdjustmentResultDTO, bool, error) {
	existing, err := s.findByKey(ctx, key)
	if err != nil || existing == nil {
		return nil, false, err
	}
	if !existing.Matches(stockItemID, "", reason, delta) {
		s.recordKeyMismatch("adjust")
		s.logger.WithContext(ctx).Warn("Idempotency key reused with different parameters",
			"idempotencyKey", key,
			"ledgerEntryId", existing.ID,
			"stockItemId", stockItemID,
		)
		return nil, false, fmt.Errorf("key %s belongs to ledger entry %s: %w", key, existing.ID, domain.ErrIdempotencyKeyMismatch)
	}
	item, err := s.store.GetStockItem(ctx, existing.StockItemID)
	if err != nil {
		return nil, false, err
	}
	s.logger.WithContext(ctx).Info("Adjustment replayed", "idempotencyKey", key, "ledgerEntryId", existing.ID)
	return &AdjustmentResultDTO{LedgerEntryID: existing.ID, Replayed: true, Stock: *ToStockLevelDTO(item)}, true, nil
}

func (s *AdjustmentService) findByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	existing, err := s.store.FindLedgerEntryByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return existing, nil
}

// CancelConfirmedSale returns sold quantity to on-hand. Addressed by
// reservation, a zero quantity cancels whatever is left of every line and a
// positive quantity needs a single line; the reservation keeps a running
// total per line, so a sale can never be returned twice. Addressed by stock
// item, the quantity is required.
func (s *AdjustmentService) CancelConfirmedSale(ctx context.Context, cmd CancelSaleCommand) (*CancellationResultDTO, error) {
	if cmd.Quantity < 0 || (cmd.ReservationID == "" && cmd.Quantity == 0) {
		return nil, domain.ErrInvalidQuantity
	}
	correlationID := logging.CorrelationIDFromContext(ctx)

	snap := newSnapshot(s.store)
	var result *CancellationResultDTO
	err := s.withRetry(ctx, "cancel", snap, func() error {
		replayed, ok, err := s.replayCancellation(ctx, cmd)
		if err != nil || ok {
			result = replayed
			return err
		}

		cs, ids, err := s.cancellation(ctx, snap, cmd, correlationID)
		if err != nil {
			return err
		}
		if err := s.store.Commit(ctx, cs); err != nil {
			return err
		}
		result = &CancellationResultDTO{LedgerEntryIDs: ids}
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		replayed, ok, replayErr := s.replayCancellation(ctx, cmd)
		if replayErr != nil {
			return nil, replayErr
		}
		if ok {
			result, err = replayed, nil
		}
	}
	if err != nil {
		s.logger.WithContext(ctx).Warn("Cancellation failed", "reservationId", cmd.ReservationID, "stockItemId", cmd.StockItemID, "error", err)
		return nil, err
	}
	if result.Replayed {
		return result, nil
	}

	if s.metrics != nil {
		s.metrics.RecordStockAdjustment(string(domain.ReasonCancellation))
	}
	s.logger.Event(ctx, "sale.cancelled", map[string]any{
		"reservationId":  cmd.ReservationID,
		"stockItemId":    cmd.StockItemID,
		"ledgerEntryIds": result.LedgerEntryIDs,
	})
	return result, nil
}

// cancellation builds the change set for one attempt. The key goes on the
// first ledger entry only, so the unique index still rejects a second use.
func (s *AdjustmentService) cancellation(ctx context.Context, snap *snapshot, cmd CancelSaleCommand, correlationID string) (*domain.ChangeSet, []string, error) {
	cs := &domain.ChangeSet{At: s.now()}

	if cmd.ReservationID == "" {
		item, err := snap.item(ctx, cmd.StockItemID)
		if err != nil {
			return nil, nil, err
		}
		entry := movement{
			item:           item,
			reason:         domain.ReasonCancellation,
			onHandDelta:    cmd.Quantity,
			ledgerDelta:    cmd.Quantity,
			quantity:       cmd.Quantity,
			referenceID:    cmd.ReferenceID,
			referenceType:  domain.ReferenceTypeOrder,
			correlationID:  correlationID,
			idempotencyKey: cmd.IdempotencyKey,
		}.apply(cs)
		return cs, []string{entry.ID}, nil
	}

	res, err := s.store.GetReservation(ctx, cmd.ReservationID)
	if err != nil {
		return nil, nil, err
	}
	lines, err := res.CancellableLines(cmd.StockItemID, cmd.Quantity)
	if err != nil {
		return nil, nil, err
	}

	referenceID, referenceType := cmd.ReferenceID, domain.ReferenceTypeOrder
	if referenceID == "" {
		referenceID, referenceType = res.ID, domain.ReferenceTypeReservation
	}
	if correlationID == "" {
		correlationID = res.CorrelationID
	}

	key := cmd.IdempotencyKey
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		item, err := snap.item(ctx, line.StockItemID)
		if err != nil {
			return nil, nil, err
		}
		entry := movement{
			item:           item,
			reason:         domain.ReasonCancellation,
			onHandDelta:    line.Quantity,
			ledgerDelta:    line.Quantity,
			quantity:       line.Quantity,
			reservationID:  res.ID,
			referenceID:    referenceID,
			referenceType:  referenceType,
			correlationID:  correlationID,
			idempotencyKey: key,
		}.apply(cs)
		key = ""
		ids = append(ids, entry.ID)
	}

	next, err := res.WithCancellation(domain.SaleCancellation{
		IdempotencyKey: cmd.IdempotencyKey,
		StockItemID:    cmd.StockItemID,
		Quantity:       cmd.Quantity,
		LedgerEntryIDs: ids,
		At:             cs.At,
	}, lines)
	if err != nil {
		return nil, nil, err
	}
	cs.Reservation = &domain.ReservationChange{
		Reservation:      next,
		ExpectedStatus:   domain.ReservationStatusConfirmed,
		ExpectedRevision: res.Revision,
	}
	cs.Sort()
	return cs, ids, nil
}

// replayCancellation returns the cancellation already written under the
// command's key, or a mismatch error when the key was used for another request
func (s *AdjustmentService) replayCancellation(ctx context.Context, cmd CancelSaleCommand) (*CancellationResultDTO, bool, error) {
	if cmd.IdempotencyKey == "" {
		return nil, false, nil
	}
	existing, err := s.findByKey(ctx, cmd.IdempotencyKey)
	if err != nil || existing == nil {
		return nil, false, err
	}

	mismatch := func() (*CancellationResultDTO, bool, error) {
		s.recordKeyMismatch("cancel")
		s.logger.WithContext(ctx).Warn("Idempotency key reused with different parameters",
			"idempotencyKey", cmd.IdempotencyKey,
			"ledgerEntryId", existing.ID,
			"reservationId", cmd.ReservationID,
		)
		return nil, false, fmt.Errorf("key %s belongs to ledger entry %s: %w", cmd.IdempotencyKey, existing.ID, domain.ErrIdempotencyKeyMismatch)
	}

	if cmd.ReservationID == "" {
		if !existing.Matches(cmd.StockItemID, "", domain.ReasonCancellation, cmd.Quantity) {
			return mismatch()
		}
		return &CancellationResultDTO{LedgerEntryIDs: []string{existing.ID}, Replayed: true}, true, nil
	}

	if existing.ReservationID != cmd.ReservationID || existing.Reason != domain.ReasonCancellation {
		return mismatch()
	}
	res, err := s.store.GetReservation(ctx, cmd.ReservationID)
	if err != nil {
		return nil, false, err
	}
	prior := res.FindCancellation(cmd.IdempotencyKey)
	if prior == nil || prior.StockItemID != cmd.StockItemID || prior.Quantity != cmd.Quantity {
		return mismatch()
	}
	s.logger.WithContext(ctx).Info("Cancellation replayed", "idempotencyKey", cmd.IdempotencyKey, "reservationId", res.ID)
	return &CancellationResultDTO{LedgerEntryIDs: append([]string(nil), prior.LedgerEntryIDs...), Replayed: true}, true, nil
}
