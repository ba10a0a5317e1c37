package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
)

// ReservationManager owns the reservation state machine
type ReservationManager struct {
	engine
}

// NewReservationManager creates a new ReservationManager
func NewReservationManager(store domain.Store, logger *logging.Logger, m *metrics.Metrics, config *EngineConfig) *ReservationManager {
	return &ReservationManager{engine: newEngine(store, logger.WithComponent("reservation-manager"), m, config)}
}

// mergeLines folds duplicate product/location lines together, keeping first-seen order
func mergeLines(lines []ReserveLine) ([]ReserveLine, error) {
	if len(lines) == 0 {
		return nil, domain.ErrEmptyReservation
	}
	index := make(map[string]int, len(lines))
	merged := make([]ReserveLine, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.ProductID) == "" {
			return nil, domain.ErrMissingProductID
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("product %s: %w", l.ProductID, domain.ErrInvalidQuantity)
		}
		key := l.ProductID + "\x00" + l.LocationID
		if i, ok := index[key]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// Reserve places an all-or-nothing hold on every line
func (m *ReservationManager) Reserve(ctx context.Context, cmd ReserveStockCommand) (*ReservationDTO, error) {
	res, err := m.reserve(ctx, cmd)
	m.recordOutcome("reserve", err)
	if err != nil {
		return nil, err
	}
	return ToReservationDTO(res), nil
}

func (m *ReservationManager) reserve(ctx context.Context, cmd ReserveStockCommand) (*domain.Reservation, error) {
	log := m.logger.WithContext(ctx)

	merged, err := mergeLines(cmd.Lines)
	if err != nil {
		return nil, err
	}
	ttl := m.defaultTTL
	if cmd.TTL != nil {
		if *cmd.TTL < 0 {
			return nil, fmt.Errorf("ttl must not be negative: %w", domain.ErrInvalidQuantity)
		}
		ttl = *cmd.TTL
	}

	snap := newSnapshot(m.store)
	lines := make([]domain.ReservationLine, 0, len(merged))
	for _, l := range merged {
		item, err := m.store.FindStockItemByProduct(ctx, l.ProductID, l.LocationID)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", l.ProductID, err)
		}
		snap.put(item)
		lines = append(lines, domain.ReservationLine{StockItemID: item.ID, ProductID: item.ProductID, Quantity: l.Quantity})
	}

	correlationID := logging.CorrelationIDFromContext(ctx)
	reservation, err := domain.NewReservation(cmd.RequesterID, cmd.ReferenceID, correlationID, lines, ttl, m.now())
	if err != nil {
		return nil, err
	}

	err = m.withRetry(ctx, "reserve", snap, func() error {
		cs := &domain.ChangeSet{
			At:          reservation.CreatedAt,
			Reservation: &domain.ReservationChange{Reservation: reservation},
			Events: []domain.DomainEvent{&domain.ReservationCreatedEvent{
				ReservationID: reservation.ID,
				RequesterID:   reservation.RequesterID,
				ReferenceID:   reservation.ReferenceID,
				Lines:         reservation.Lines,
				ExpiresAt:     reservation.ExpiresAt,
				CorrelationID: correlationID,
				CreatedAt:     reservation.CreatedAt,
			}},
		}

		var short []domain.ShortItem
		for _, line := range reservation.Lines {
			item, err := snap.item(ctx, line.StockItemID)
			if err != nil {
				return err
			}
			if available := item.Available(); available < line.Quantity {
				short = append(short, domain.ShortItem{
					StockItemID: item.ID,
					ProductID:   item.ProductID,
					Requested:   line.Quantity,
					Available:   available,
					Shortfall:   line.Quantity - available,
				})
				continue
			}
			movement{
				item:          item,
				reason:        domain.ReasonReserved,
				reservedDelta: line.Quantity,
				ledgerDelta:   -line.Quantity,
				quantity:      line.Quantity,
				reservationID: reservation.ID,
				referenceID:   reservation.ID,
				referenceType: domain.ReferenceTypeReservation,
				correlationID: correlationID,
			}.apply(cs)
		}
		if len(short) > 0 {
			return &domain.InsufficientStockError{Items: short}
		}
		return m.store.Commit(ctx, cs)
	})
	if err != nil {
		log.Info("Reservation rejected", "requesterId", cmd.RequesterID, "error", err)
		return nil, err
	}

	m.logger.Event(ctx, "reservation.created", map[string]any{
		"reservationId": reservation.ID,
		"lines":         len(reservation.Lines),
		"quantity":      reservation.TotalQuantity(),
		"expiresAt":     reservation.ExpiresAt,
	})
	return reservation, nil
}

// Confirm converts an Active reservation into a sale. Confirming a confirmed
// reservation is a no-op; a released or expired one is not found.
func (m *ReservationManager) Confirm(ctx context.Context, cmd ConfirmReservationCommand) (*ReservationDTO, error) {
	res, err := m.confirm(ctx, cmd)
	m.recordOutcome("confirm", err)
	if err != nil {
		return nil, err
	}
	return ToReservationDTO(res), nil
}

func (m *ReservationManager) confirm(ctx context.Context, cmd ConfirmReservationCommand) (*domain.Reservation, error) {
	log := m.logger.WithContext(ctx)
	snap := newSnapshot(m.store)

	var result *domain.Reservation
	err := m.withRetry(ctx, "confirm", snap, func() error {
		res, err := m.store.GetReservation(ctx, cmd.ReservationID)
		if err != nil {
			return err
		}
		now := m.now()

		if res.Status.IsTerminal() {
			if res.Status == domain.ReservationStatusConfirmed && isKeyReuse(res, cmd) {
				m.recordKeyMismatch("confirm")
				return fmt.Errorf("reservation %s was confirmed for reference %q under this key: %w", res.ID, res.ConfirmReference, domain.ErrIdempotencyKeyMismatch)
			}
			next, _, err := res.Transition(domain.ReservationStatusConfirmed, "", now)
			result = next
			return err
		}
		if res.IsExpiredAt(now) {
			if err := m.commitClose(ctx, snap, res, domain.ReservationStatusExpired, domain.CloseReasonExpired, now); err != nil {
				return err
			}
			return fmt.Errorf("reservation %s expired at %s: %w", res.ID, res.ExpiresAt.Format(time.RFC3339), domain.ErrReservationNotFound)
		}

		next, _, err := res.Transition(domain.ReservationStatusConfirmed, "", now)
		if err != nil {
			return err
		}
		next.ConfirmReference = cmd.ReferenceID
		next.IdempotencyKey = cmd.IdempotencyKey

		referenceID, referenceType := cmd.ReferenceID, domain.ReferenceTypeOrder
		if referenceID == "" {
			referenceID, referenceType = res.ID, domain.ReferenceTypeReservation
		}

		cs := &domain.ChangeSet{
			At: now,
			Reservation: &domain.ReservationChange{
				Reservation:      next,
				ExpectedStatus:   domain.ReservationStatusActive,
				ExpectedRevision: res.Revision,
			},
		}
		var short []domain.ShortItem
		for _, line := range res.Lines {
			item, err := snap.item(ctx, line.StockItemID)
			if err != nil {
				return err
			}
			if item.OnHand < line.Quantity {
				short = append(short, domain.ShortItem{
					StockItemID: item.ID,
					ProductID:   item.ProductID,
					Requested:   line.Quantity,
					Available:   item.OnHand,
					Shortfall:   line.Quantity - item.OnHand,
				})
				continue
			}
			movement{
				item:          item,
				reason:        domain.ReasonSale,
				onHandDelta:   -line.Quantity,
				reservedDelta: -line.Quantity,
				ledgerDelta:   -line.Quantity,
				quantity:      line.Quantity,
				reservationID: res.ID,
				referenceID:   referenceID,
				referenceType: referenceType,
				correlationID: res.CorrelationID,
			}.apply(cs)
		}
		if len(short) > 0 {
			return &domain.InsufficientStockError{Items: short}
		}
		cs.Events = append(cs.Events, closedEvent(next, now))

		if err := m.store.Commit(ctx, cs); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		log.Info("Confirm rejected", "reservationId", cmd.ReservationID, "error", err)
		return nil, err
	}

	m.logger.Event(ctx, "reservation.confirmed", map[string]any{
		"reservationId": result.ID,
		"referenceId":   result.ConfirmReference,
	})
	return result, nil
}

// Release frees an Active reservation. Releasing a released or expired
// reservation is a no-op; releasing a confirmed one is an invalid transition.
func (m *ReservationManager) Release(ctx context.Context, cmd ReleaseReservationCommand) (*ReservationDTO, error) {
	res, err := m.release(ctx, cmd)
	m.recordOutcome("release", err)
	if err != nil {
		return nil, err
	}
	return ToReservationDTO(res), nil
}

func (m *ReservationManager) release(ctx context.Context, cmd ReleaseReservationCommand) (*domain.Reservation, error) {
	snap := newSnapshot(m.store)

	var result *domain.Reservation
	err := m.withRetry(ctx, "release", snap, func() error {
		res, err := m.store.GetReservation(ctx, cmd.ReservationID)
		if err != nil {
			return err
		}
		now := m.now()

		to, reason := domain.ReservationStatusReleased, cmd.Reason
		if res.IsExpiredAt(now) {
			to, reason = domain.ReservationStatusExpired, domain.CloseReasonExpired
		}
		next, changed, err := res.Transition(to, reason, now)
		if err != nil || !changed {
			result = res
			return err
		}
		if err := m.commitClose(ctx, snap, res, to, reason, now); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		m.logger.WithContext(ctx).Info("Release rejected", "reservationId", cmd.ReservationID, "error", err)
		return nil, err
	}
	return result, nil
}

// Expire moves an overdue Active reservation to Expired. It reports false
// without error when the reservation is no longer Active or not yet due,
// which makes repeated sweeps harmless.
func (m *ReservationManager) Expire(ctx context.Context, reservationID string) (bool, error) {
	snap := newSnapshot(m.store)

	expired := false
	err := m.withRetry(ctx, "expire", snap, func() error {
		res, err := m.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		now := m.now()
		if !res.IsExpiredAt(now) {
			expired = false
			return nil
		}
		if err := m.commitClose(ctx, snap, res, domain.ReservationStatusExpired, domain.CloseReasonExpired, now); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if expired {
		m.recordOutcome("expire", err)
	}
	return expired, err
}

// commitClose returns every line's hold to availability and closes res with
// status to, guarded on res still being Active
func (m *ReservationManager) commitClose(ctx context.Context, snap *snapshot, res *domain.Reservation, to domain.ReservationStatus, reason string, now time.Time) error {
	next, _, err := res.Transition(to, reason, now)
	if err != nil {
		return err
	}

	cs := &domain.ChangeSet{
		At: now,
		Reservation: &domain.ReservationChange{
			Reservation:      next,
			ExpectedStatus:   domain.ReservationStatusActive,
			ExpectedRevision: res.Revision,
		},
	}
	for _, line := range res.Lines {
		item, err := snap.item(ctx, line.StockItemID)
		if err != nil {
			return err
		}
		movement{
			item:          item,
			reason:        domain.ReasonReleased,
			reservedDelta: -line.Quantity,
			ledgerDelta:   line.Quantity,
			quantity:      line.Quantity,
			reservationID: res.ID,
			referenceID:   res.ID,
			referenceType: domain.ReferenceTypeReservation,
			correlationID: res.CorrelationID,
			note:          reason,
		}.apply(cs)
	}
	cs.Events = append(cs.Events, closedEvent(next, now))

	if err := m.store.Commit(ctx, cs); err != nil {
		return err
	}

	m.logger.Event(ctx, "reservation."+strings.ToLower(string(to)), map[string]any{
		"reservationId": res.ID,
		"reason":        reason,
	})
	return nil
}

// isKeyReuse reports whether cmd repeats the key that confirmed res but names
// another reference
func isKeyReuse(res *domain.Reservation, cmd ConfirmReservationCommand) bool {
	return cmd.IdempotencyKey != "" &&
		cmd.IdempotencyKey == res.IdempotencyKey &&
		cmd.ReferenceID != res.ConfirmReference
}

func closedEvent(r *domain.Reservation, at time.Time) *domain.ReservationClosedEvent {
	return &domain.ReservationClosedEvent{
		ReservationID: r.ID,
		Status:        r.Status,
		Reason:        r.CloseReason,
		ReferenceID:   r.ConfirmReference,
		Lines:         r.Lines,
		CorrelationID: r.CorrelationID,
		ClosedAt:      at.UTC(),
	}
}
