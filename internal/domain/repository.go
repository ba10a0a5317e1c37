package domain

import (
	"context"
	"sort"
	"time"
)

// ItemChange is a conditional delta against one stock item plus the ledger
// entries explaining it
type ItemChange struct {
	StockItemID     string
	ExpectedVersion int64
	OnHandDelta     int
	ReservedDelta   int
	Entries         []*LedgerEntry
}

// ReservationChange inserts a reservation when ExpectedStatus is empty, or
// replaces it only while its stored status and revision still equal
// ExpectedStatus and ExpectedRevision.
type ReservationChange struct {
	Reservation      *Reservation
	ExpectedStatus   ReservationStatus
	ExpectedRevision int64
}

// ChangeSet is the unit of atomic commit. Either every item delta, ledger
// entry, reservation write and event is persisted, or none is.
type ChangeSet struct {
	Items       []ItemChange
	Reservation *ReservationChange
	Events      []DomainEvent
	At          time.Time
}

// Sort orders item changes by stock item id
func (cs *ChangeSet) Sort() {
	sort.SliceStable(cs.Items, func(i, j int) bool {
		return cs.Items[i].StockItemID < cs.Items[j].StockItemID
	})
}

// Entries returns every ledger entry in item order
func (cs *ChangeSet) Entries() []*LedgerEntry {
	var out []*LedgerEntry
	for _, it := range cs.Items {
		out = append(out, it.Entries...)
	}
	return out
}

// Store persists stock items, reservations, ledger entries and outbox events.
// Commit is the only mutation of existing rows.
type Store interface {
	CreateStockItem(ctx context.Context, item *StockItem) error
	GetStockItem(ctx context.Context, id string) (*StockItem, error)
	FindStockItemByProduct(ctx context.Context, productID, locationID string) (*StockItem, error)

	GetReservation(ctx context.Context, id string) (*Reservation, error)
	FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)

	// FindLedgerEntries returns entries newest first; limit <= 0 returns all
	FindLedgerEntries(ctx context.Context, stockItemID string, limit int) ([]*LedgerEntry, error)
	FindLedgerEntryByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)

	// Commit applies the change set atomically. It returns a
	// *VersionConflictError, ErrReservationStateChanged or
	// ErrDuplicateIdempotencyKey when a guard fails.
	Commit(ctx context.Context, cs *ChangeSet) error
}
