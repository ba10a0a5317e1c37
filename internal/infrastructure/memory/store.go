package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/events"
	"github.com/commerce-platform/stock-engine/pkg/outbox"
)

// Store is an in-process domain.Store and outbox.Repository. Commit checks
// the same version, status and idempotency guards as the MongoDB store and
// applies the change set under one lock, so readers never see a partial
// commit.
type Store struct {
	mu           sync.RWMutex
	items        map[string]*domain.StockItem
	byProduct    map[string]string
	reservations map[string]*domain.Reservation
	ledger       map[string][]*domain.LedgerEntry
	idempotency  map[string]*domain.LedgerEntry
	outbox       []*outbox.OutboxEvent

	mapper *events.OutboxMapper
}

// NewStore creates an empty store
func NewStore(mapper *events.OutboxMapper) *Store {
	return &Store{
		items:        make(map[string]*domain.StockItem),
		byProduct:    make(map[string]string),
		reservations: make(map[string]*domain.Reservation),
		ledger:       make(map[string][]*domain.LedgerEntry),
		idempotency:  make(map[string]*domain.LedgerEntry),
		mapper:       mapper,
	}
}

var (
	_ domain.Store      = (*Store)(nil)
	_ outbox.Repository = (*Store)(nil)
)

func productKey(productID, locationID string) string {
	return productID + "\x00" + locationID
}

func copyItem(item *domain.StockItem) *domain.StockItem {
	c := *item
	return &c
}

func copyReservation(r *domain.Reservation) *domain.Reservation {
	c := *r
	c.Lines = append([]domain.ReservationLine(nil), r.Lines...)
	c.Cancellations = nil
	for _, sc := range r.Cancellations {
		sc.LedgerEntryIDs = append([]string(nil), sc.LedgerEntryIDs...)
		c.Cancellations = append(c.Cancellations, sc)
	}
	if r.ClosedAt != nil {
		at := *r.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

func copyEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	c := *e
	return &c
}

// CreateStockItem inserts a new item
func (s *Store) CreateStockItem(ctx context.Context, item *domain.StockItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := productKey(item.ProductID, item.LocationID)
	if _, exists := s.byProduct[key]; exists {
		return domain.ErrStockItemExists
	}
	if _, exists := s.items[item.ID]; exists {
		return domain.ErrStockItemExists
	}
	s.items[item.ID] = copyItem(item)
	s.byProduct[key] = item.ID
	return nil
}

// GetStockItem returns a snapshot of the item
func (s *Store) GetStockItem(ctx context.Context, id string) (*domain.StockItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrStockItemNotFound
	}
	return copyItem(item), nil
}

// FindStockItemByProduct looks an item up by product and location
func (s *Store) FindStockItemByProduct(ctx context.Context, productID, locationID string) (*domain.StockItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProduct[productKey(productID, locationID)]
	if !ok {
		return nil, domain.ErrStockItemNotFound
	}
	return copyItem(s.items[id]), nil
}

// GetReservation returns a snapshot of the reservation
func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return copyReservation(r), nil
}

// FindExpiredReservations lists Active reservations due at now, oldest deadline first
func (s *Store) FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var due []*domain.Reservation
	for _, r := range s.reservations {
		if r.IsExpiredAt(now) {
			due = append(due, copyReservation(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ExpiresAt.Before(due[j].ExpiresAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// FindLedgerEntries returns the item's entries newest first
func (s *Store) FindLedgerEntries(ctx context.Context, stockItemID string, limit int) ([]*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ledger[stockItemID]
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*domain.LedgerEntry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, copyEntry(entries[i]))
	}
	return out, nil
}

// FindLedgerEntryByIdempotencyKey returns the entry written under key
func (s *Store) FindLedgerEntryByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

// Commit validates every guard before applying anything
func (s *Store) Commit(ctx context.Context, cs *domain.ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cs.Sort()
	rows, err := s.mapper.ToOutbox(ctx, cs.Events)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(cs); err != nil {
		return err
	}

	for _, change := range cs.Items {
		item := s.items[change.StockItemID]
		s.items[change.StockItemID] = item.Apply(change.OnHandDelta, change.ReservedDelta, cs.At)
		for _, e := range change.Entries {
			entry := copyEntry(e)
			s.ledger[change.StockItemID] = append(s.ledger[change.StockItemID], entry)
			if entry.IdempotencyKey != "" {
				s.idempotency[entry.IdempotencyKey] = entry
			}
		}
	}
	if rc := cs.Reservation; rc != nil {
		s.reservations[rc.Reservation.ID] = copyReservation(rc.Reservation)
	}
	s.outbox = append(s.outbox, rows...)
	return nil
}

func (s *Store) validate(cs *domain.ChangeSet) error {
	for _, change := range cs.Items {
		item, ok := s.items[change.StockItemID]
		if !ok {
			return domain.ErrStockItemNotFound
		}
		if item.Version != change.ExpectedVersion {
			return &domain.VersionConflictError{StockItemID: change.StockItemID}
		}
		for _, e := range change.Entries {
			if e.IdempotencyKey == "" {
				continue
			}
			if _, dup := s.idempotency[e.IdempotencyKey]; dup {
				return domain.ErrDuplicateIdempotencyKey
			}
		}
	}

	rc := cs.Reservation
	if rc == nil {
		return nil
	}
	existing, ok := s.reservations[rc.Reservation.ID]
	if rc.ExpectedStatus == "" {
		if ok {
			return domain.ErrReservationStateChanged
		}
		return nil
	}
	if !ok {
		return domain.ErrReservationNotFound
	}
	if existing.Status != rc.ExpectedStatus || existing.Revision != rc.ExpectedRevision {
		return domain.ErrReservationStateChanged
	}
	return nil
}
