package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Stock domain errors
var (
	// ErrStockItemNotFound is returned when no stock item matches the id or product
	ErrStockItemNotFound = errors.New("stock item not found")

	// ErrMissingProductID is returned when a stock item has no product id
	ErrMissingProductID = errors.New("product id is required")

	// ErrStockItemExists is returned when onboarding a product/location pair twice
	ErrStockItemExists = errors.New("stock item already exists for this product and location")

	// ErrReservationNotFound is returned for unknown reservations and for
	// confirming a reservation that already released or expired
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInvalidTransition is returned when a reservation cannot move to the requested state
	ErrInvalidTransition = errors.New("invalid reservation transition")

	// ErrInsufficientStock is matched by every *InsufficientStockError
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConcurrencyConflict is surfaced once optimistic retries are exhausted
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrVersionConflict is matched by every *VersionConflictError
	ErrVersionConflict = errors.New("stock item version conflict")

	// ErrReservationStateChanged is returned by Store.Commit when the
	// reservation no longer has the expected status
	ErrReservationStateChanged = errors.New("reservation state changed concurrently")

	// ErrDuplicateIdempotencyKey is returned by Store.Commit when a ledger entry
	// with the same idempotency key already exists
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyMismatch is returned when a key is reused for a request
	// with different parameters
	ErrIdempotencyKeyMismatch = errors.New("idempotency key reused with different parameters")

	// ErrInvalidQuantity is returned for zero or negative line quantities
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrEmptyReservation is returned when a reservation has no lines
	ErrEmptyReservation = errors.New("reservation must contain at least one line")

	// ErrInvalidReason is returned for ledger reasons the operation does not accept
	ErrInvalidReason = errors.New("invalid ledger reason")

	// ErrZeroDelta is returned for adjustments that change nothing
	ErrZeroDelta = errors.New("adjustment delta must not be zero")
)

// ShortItem describes one line that cannot be covered
type ShortItem struct {
	StockItemID string `json:"stockItemId"`
	ProductID   string `json:"productId"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
	Shortfall   int    `json:"shortfall"`
}

// InsufficientStockError names every short item of a reserve or confirm
type InsufficientStockError struct {
	Items []ShortItem
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("%s: requested %d, available %d", it.ProductID, it.Requested, it.Available))
	}
	return "insufficient stock (" + strings.Join(parts, "; ") + ")"
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// VersionConflictError reports the stock item whose expected version no longer matched
type VersionConflictError struct {
	StockItemID string
}

func (e *VersionConflictError) Error() string {
	return "version conflict on stock item " + e.StockItemID
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// TransitionError records a rejected state change. It unwraps to
// ErrReservationNotFound or ErrInvalidTransition.
type TransitionError struct {
	ReservationID string
	From          ReservationStatus
	To            ReservationStatus
	err           error
}

func newTransitionError(id string, from, to ReservationStatus) *TransitionError {
	err := ErrInvalidTransition
	if to == ReservationStatusConfirmed && (from == ReservationStatusReleased || from == ReservationStatusExpired) {
		err = ErrReservationNotFound
	}
	return &TransitionError{ReservationID: id, From: from, To: to, err: err}
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("reservation %s: cannot move from %s to %s: %v", e.ReservationID, e.From, e.To, e.err)
}

func (e *TransitionError) Unwrap() error {
	return e.err
}
