package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ReservationStatus represents the status of a reservation
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "Active"
	ReservationStatusConfirmed ReservationStatus = "Confirmed"
	ReservationStatusReleased  ReservationStatus = "Released"
	ReservationStatusExpired   ReservationStatus = "Expired"
)

// IsTerminal reports whether no further transition is possible
func (s ReservationStatus) IsTerminal() bool {
	return s != ReservationStatusActive
}

// Close reasons
const (
	CloseReasonExpired = "expired"
)

// ReservationLine is one held quantity of one stock item
type ReservationLine struct {
	StockItemID string `bson:"stockItemId" json:"stockItemId"`
	ProductID   string `bson:"productId" json:"productId"`
	Quantity    int    `bson:"quantity" json:"quantity"`
	// Cancelled is the part of a confirmed line already returned to on-hand
	Cancelled int `bson:"cancelled,omitempty" json:"cancelled,omitempty"`
}

// Remaining is the sold quantity not yet cancelled
func (l ReservationLine) Remaining() int {
	return l.Quantity - l.Cancelled
}

// SaleCancellation records one cancellation of a confirmed reservation.
// StockItemID and Quantity are the request as given; zero means every line
// and the whole remainder.
type SaleCancellation struct {
	IdempotencyKey string    `bson:"idempotencyKey,omitempty" json:"idempotencyKey,omitempty"`
	StockItemID    string    `bson:"stockItemId,omitempty" json:"stockItemId,omitempty"`
	Quantity       int       `bson:"quantity,omitempty" json:"quantity,omitempty"`
	LedgerEntryIDs []string  `bson:"ledgerEntryIds" json:"ledgerEntryIds"`
	At             time.Time `bson:"at" json:"at"`
}

// Reservation is a time-bounded multi-line hold
type Reservation struct {
	ID               string             `bson:"_id" json:"id"`
	RequesterID      string             `bson:"requesterId" json:"requesterId"`
	ReferenceID      string             `bson:"referenceId,omitempty" json:"referenceId,omitempty"`
	CorrelationID    string             `bson:"correlationId,omitempty" json:"correlationId,omitempty"`
	Lines            []ReservationLine  `bson:"lines" json:"lines"`
	Status           ReservationStatus  `bson:"status" json:"status"`
	CreatedAt        time.Time          `bson:"createdAt" json:"createdAt"`
	ExpiresAt        time.Time          `bson:"expiresAt" json:"expiresAt"`
	ClosedAt         *time.Time         `bson:"closedAt,omitempty" json:"closedAt,omitempty"`
	CloseReason      string             `bson:"closeReason,omitempty" json:"closeReason,omitempty"`
	ConfirmReference string             `bson:"confirmReference,omitempty" json:"confirmReference,omitempty"`
	IdempotencyKey   string             `bson:"idempotencyKey,omitempty" json:"idempotencyKey,omitempty"`
	Cancellations    []SaleCancellation `bson:"cancellations,omitempty" json:"cancellations,omitempty"`
	// Revision increases with every stored change and guards concurrent updates
	Revision int64 `bson:"revision" json:"revision"`
}

// NewReservationID returns RES-<uuid>
func NewReservationID() string {
	return "RES-" + uuid.New().String()
}

// NewReservation creates an Active reservation expiring at now+ttl. Lines are
// stored sorted by stock item id.
func NewReservation(requesterID, referenceID, correlationID string, lines []ReservationLine, ttl time.Duration, now time.Time) (*Reservation, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyReservation
	}
	sorted := make([]ReservationLine, len(lines))
	copy(sorted, lines)
	for _, l := range sorted {
		if l.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StockItemID < sorted[j].StockItemID })

	now = now.UTC()
	return &Reservation{
		ID:            NewReservationID(),
		RequesterID:   requesterID,
		ReferenceID:   referenceID,
		CorrelationID: correlationID,
		Lines:         sorted,
		Status:        ReservationStatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}, nil
}

// IsExpiredAt reports whether an Active reservation has passed its deadline
func (r *Reservation) IsExpiredAt(now time.Time) bool {
	return r.Status == ReservationStatusActive && !now.Before(r.ExpiresAt)
}

// TotalQuantity sums all lines
func (r *Reservation) TotalQuantity() int {
	total := 0
	for _, l := range r.Lines {
		total += l.Quantity
	}
	return total
}

// Transition returns a closed copy of the reservation. Moving to the current
// terminal status is reported as ok=false with no error so callers can treat
// it as an idempotent no-op.
func (r *Reservation) Transition(to ReservationStatus, reason string, at time.Time) (next *Reservation, ok bool, err error) {
	if r.Status == to {
		return r, false, nil
	}
	if r.Status.IsTerminal() {
		if to != ReservationStatusConfirmed && r.Status != ReservationStatusConfirmed {
			// released and expired absorb each other
			return r, false, nil
		}
		return nil, false, newTransitionError(r.ID, r.Status, to)
	}
	if !to.IsTerminal() {
		return nil, false, newTransitionError(r.ID, r.Status, to)
	}

	at = at.UTC()
	closed := r.copy()
	closed.Status = to
	closed.ClosedAt = &at
	closed.CloseReason = reason
	return closed, true, nil
}

func (r *Reservation) copy() *Reservation {
	next := *r
	next.Lines = append([]ReservationLine(nil), r.Lines...)
	next.Cancellations = append([]SaleCancellation(nil), r.Cancellations...)
	next.Revision = r.Revision + 1
	return &next
}

// CancellableLines selects what a cancellation of qty against stockItemID
// returns. An empty stockItemID means every line; qty zero means the whole
// remainder. A positive qty needs exactly one line and may not exceed what
// is left of it.
func (r *Reservation) CancellableLines(stockItemID string, qty int) ([]ReservationLine, error) {
	if r.Status != ReservationStatusConfirmed {
		return nil, fmt.Errorf("reservation %s is %s, only confirmed sales can be cancelled: %w", r.ID, r.Status, ErrInvalidTransition)
	}
	if qty < 0 {
		return nil, ErrInvalidQuantity
	}

	var lines []ReservationLine
	matched := false
	for _, l := range r.Lines {
		if stockItemID != "" && l.StockItemID != stockItemID {
			continue
		}
		matched = true
		if l.Remaining() > 0 {
			lines = append(lines, ReservationLine{StockItemID: l.StockItemID, ProductID: l.ProductID, Quantity: l.Remaining()})
		}
	}
	if !matched {
		return nil, fmt.Errorf("stock item %s is not part of reservation %s: %w", stockItemID, r.ID, ErrStockItemNotFound)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("reservation %s has nothing left to cancel: %w", r.ID, ErrInvalidQuantity)
	}
	if qty == 0 {
		return lines, nil
	}
	if len(lines) != 1 {
		return nil, fmt.Errorf("a partial cancellation must name a single line: %w", ErrInvalidQuantity)
	}
	if qty > lines[0].Quantity {
		return nil, fmt.Errorf("cannot cancel %d, %d left of the sale: %w", qty, lines[0].Quantity, ErrInvalidQuantity)
	}
	lines[0].Quantity = qty
	return lines, nil
}

// WithCancellation returns a copy with lines counted as cancelled and c
// appended to the cancellation history
func (r *Reservation) WithCancellation(c SaleCancellation, lines []ReservationLine) (*Reservation, error) {
	next := r.copy()
	for _, cl := range lines {
		found := false
		for i := range next.Lines {
			if next.Lines[i].StockItemID != cl.StockItemID {
				continue
			}
			if cl.Quantity <= 0 || cl.Quantity > next.Lines[i].Remaining() {
				return nil, fmt.Errorf("cannot cancel %d of stock item %s: %w", cl.Quantity, cl.StockItemID, ErrInvalidQuantity)
			}
			next.Lines[i].Cancelled += cl.Quantity
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("stock item %s is not part of reservation %s: %w", cl.StockItemID, r.ID, ErrStockItemNotFound)
		}
	}
	c.At = c.At.UTC()
	next.Cancellations = append(next.Cancellations, c)
	return next, nil
}

// FindCancellation returns the cancellation recorded under key, or nil
func (r *Reservation) FindCancellation(key string) *SaleCancellation {
	if key == "" {
		return nil
	}
	for i := range r.Cancellations {
		if r.Cancellations[i].IdempotencyKey == key {
			return &r.Cancellations[i]
		}
	}
	return nil
}
