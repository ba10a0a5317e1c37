package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
)

// DefaultMaxCASRetries bounds how often one operation re-reads after a lost race
const DefaultMaxCASRetries = 5

// EngineConfig holds the knobs shared by the manager and the adjustment path
type EngineConfig struct {
	MaxRetries int
	DefaultTTL time.Duration
	Clock      func() time.Time
}

// DefaultEngineConfig returns the defaults used when fields are zero
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxRetries: DefaultMaxCASRetries,
		DefaultTTL: 15 * time.Minute,
		Clock:      time.Now,
	}
}

// engine carries the store and the optimistic retry loop
type engine struct {
	store      domain.Store
	logger     *logging.Logger
	metrics    *metrics.Metrics
	clock      func() time.Time
	maxRetries int
	defaultTTL time.Duration
}

func newEngine(store domain.Store, logger *logging.Logger, m *metrics.Metrics, config *EngineConfig) engine {
	defaults := DefaultEngineConfig()
	if config == nil {
		config = defaults
	}
	e := engine{
		store:      store,
		logger:     logger,
		metrics:    m,
		clock:      config.Clock,
		maxRetries: config.MaxRetries,
		defaultTTL: config.DefaultTTL,
	}
	if e.clock == nil {
		e.clock = defaults.Clock
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaults.MaxRetries
	}
	if e.defaultTTL <= 0 {
		e.defaultTTL = defaults.DefaultTTL
	}
	return e
}

func (e *engine) now() time.Time {
	return e.clock().UTC()
}

func (e *engine) recordOutcome(operation string, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInsufficientStock):
		outcome = "insufficient_stock"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		outcome = "conflict"
	case errors.Is(err, domain.ErrReservationNotFound), errors.Is(err, domain.ErrStockItemNotFound):
		outcome = "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		outcome = "invalid_transition"
	case errors.Is(err, domain.ErrIdempotencyKeyMismatch):
		outcome = "key_mismatch"
	default:
		outcome = "error"
	}
	e.metrics.RecordReservationOutcome(operation, outcome)
}

// snapshot caches stock items read during one operation. After a version
// conflict only the conflicting item is dropped and re-read.
type snapshot struct {
	store domain.Store
	items map[string]*domain.StockItem
}

func newSnapshot(store domain.Store) *snapshot {
	return &snapshot{store: store, items: make(map[string]*domain.StockItem)}
}

func (s *snapshot) put(item *domain.StockItem) {
	s.items[item.ID] = item
}

func (s *snapshot) item(ctx context.Context, id string) (*domain.StockItem, error) {
	if item, ok := s.items[id]; ok {
		return item, nil
	}
	item, err := s.store.GetStockItem(ctx, id)
	if err != nil {
		return nil, err
	}
	s.items[id] = item
	return item, nil
}

func (s *snapshot) invalidate(id string) {
	delete(s.items, id)
}

func (e *engine) recordKeyMismatch(operation string) {
	if e.metrics != nil {
		e.metrics.RecordIdempotencyMismatch(operation)
	}
}

// withRetry runs attempt until it stops failing with a retryable conflict.
// A *VersionConflictError drops the racing item from snap; a reservation
// status change simply re-runs the attempt, which re-reads the reservation.
func (e *engine) withRetry(ctx context.Context, operation string, snap *snapshot, attempt func() error) error {
	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := attempt()
		var conflict *domain.VersionConflictError
		switch {
		case errors.As(err, &conflict):
			snap.invalidate(conflict.StockItemID)
		case errors.Is(err, domain.ErrReservationStateChanged):
		default:
			return err
		}

		if try >= e.maxRetries {
			e.logger.WithContext(ctx).Warn("Optimistic retries exhausted",
				"operation", operation,
				"attempts", try+1,
				"error", err,
			)
			return fmt.Errorf("%s: %w", operation, domain.ErrConcurrencyConflict)
		}
		if e.metrics != nil {
			e.metrics.RecordCASRetry(operation)
		}
	}
}

// movement describes one item's part of a change set
type movement struct {
	item           *domain.StockItem
	reason         domain.LedgerReason
	onHandDelta    int
	reservedDelta  int
	ledgerDelta    int
	quantity       int
	reservationID  string
	referenceID    string
	referenceType  string
	correlationID  string
	idempotencyKey string
	note           string
}

// apply adds the item change, its ledger entry and its events to cs and
// returns the entry
func (mv movement) apply(cs *domain.ChangeSet) *domain.LedgerEntry {
	entry := domain.NewLedgerEntry(mv.item, mv.reason, mv.ledgerDelta, cs.At).
		WithReference(mv.referenceID, mv.referenceType)
	entry.CorrelationID = mv.correlationID
	entry.ReservationID = mv.reservationID
	entry.IdempotencyKey = mv.idempotencyKey
	entry.Note = mv.note

	after := mv.item.Apply(mv.onHandDelta, mv.reservedDelta, cs.At)

	cs.Items = append(cs.Items, domain.ItemChange{
		StockItemID:     mv.item.ID,
		ExpectedVersion: mv.item.Version,
		OnHandDelta:     mv.onHandDelta,
		ReservedDelta:   mv.reservedDelta,
		Entries:         []*domain.LedgerEntry{entry},
	})
	cs.Events = append(cs.Events, &domain.InventoryMovementEvent{
		StockItemID:   after.ID,
		ProductID:     after.ProductID,
		Kind:          mv.reason,
		Quantity:      mv.quantity,
		OnHand:        after.OnHand,
		Reserved:      after.Reserved,
		Available:     after.Available(),
		ReservationID: mv.reservationID,
		LedgerEntryID: entry.ID,
		ReferenceID:   mv.referenceID,
		CorrelationID: mv.correlationID,
		At:            cs.At,
	})
	cs.Events = append(cs.Events, domain.ThresholdEvents(mv.item, after, mv.correlationID, cs.At)...)
	return entry
}
