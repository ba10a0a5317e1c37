package application

import (
	"context"
	"fmt"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/logging"
)

// DefaultLedgerLimit applies when a ledger query gives no limit
const DefaultLedgerLimit = 100

const reconcileReadAttempts = 3

// StockQueryService serves read-only views
type StockQueryService struct {
	store  domain.Store
	logger *logging.Logger
}

// NewStockQueryService creates a new StockQueryService
func NewStockQueryService(store domain.Store, logger *logging.Logger) *StockQueryService {
	return &StockQueryService{store: store, logger: logger.WithComponent("stock-query")}
}

// GetStockItem returns on-hand, reserved and available for a product
func (s *StockQueryService) GetStockItem(ctx context.Context, query GetStockItemQuery) (*StockLevelDTO, error) {
	item, err := s.store.FindStockItemByProduct(ctx, query.ProductID, query.LocationID)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", query.ProductID, err)
	}
	return ToStockLevelDTO(item), nil
}

// GetReservation returns a reservation by id
func (s *StockQueryService) GetReservation(ctx context.Context, reservationID string) (*ReservationDTO, error) {
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return ToReservationDTO(res), nil
}

// GetLedger lists a product's ledger entries newest first
func (s *StockQueryService) GetLedger(ctx context.Context, query GetLedgerQuery) ([]LedgerEntryDTO, error) {
	item, err := s.store.FindStockItemByProduct(ctx, query.ProductID, query.LocationID)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", query.ProductID, err)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultLedgerLimit
	}
	entries, err := s.store.FindLedgerEntries(ctx, item.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	out := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = ToLedgerEntryDTO(e)
	}
	return out, nil
}

// Reconcile checks the product's counters against its full ledger. The item
// is re-read after the ledger so a commit landing in between is not reported
// as an imbalance.
func (s *StockQueryService) Reconcile(ctx context.Context, query GetStockItemQuery) (*ReconciliationDTO, error) {
	item, err := s.store.FindStockItemByProduct(ctx, query.ProductID, query.LocationID)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", query.ProductID, err)
	}

	var entries []*domain.LedgerEntry
	for attempt := 0; ; attempt++ {
		entries, err = s.store.FindLedgerEntries(ctx, item.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger: %w", err)
		}
		latest, err := s.store.GetStockItem(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if latest.Version == item.Version || attempt >= reconcileReadAttempts {
			item = latest
			break
		}
		item = latest
	}

	report := domain.Reconcile(item, entries)
	if !report.Balanced() {
		s.logger.WithContext(ctx).Error("Ledger does not reconcile",
			"stockItemId", item.ID,
			"onHand", item.OnHand,
			"ledgerOnHandSum", report.LedgerOnHandSum,
			"reserved", item.Reserved,
			"ledgerReserved", report.LedgerReserved,
		)
	}
	return ToReconciliationDTO(report), nil
}
