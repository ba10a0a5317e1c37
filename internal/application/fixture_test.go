package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/events"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/memory"
	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
	"github.com/commerce-platform/stock-engine/pkg/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mem     *memory.Store
	manager *ReservationManager
	adjust  *AdjustmentService
	query   *StockQueryService
	clock   *fakeClock
}

func newMemoryStore() *memory.Store {
	return memory.NewStore(events.NewOutboxMapper(cloudevents.NewEventFactory(cloudevents.SourceStockEngine)))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := newMemoryStore()
	return newFixtureWithStore(t, mem, mem)
}

func newFixtureWithStore(t *testing.T, mem *memory.Store, store domain.Store) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	config := &EngineConfig{MaxRetries: 5, DefaultTTL: 15 * time.Minute, Clock: clock.Now}
	logger := logging.NewNop()
	return &fixture{
		mem:     mem,
		manager: NewReservationManager(store, logger, nil, config),
		adjust:  NewAdjustmentService(store, logger, nil, config),
		query:   NewStockQueryService(store, logger),
		clock:   clock,
	}
}

func (f *fixture) seed(t *testing.T, productID string, onHand, threshold int) *StockLevelDTO {
	t.Helper()
	item, err := f.adjust.CreateStockItem(context.Background(), CreateStockItemCommand{
		ProductID:        productID,
		SKU:              "SKU-" + productID,
		OnHand:           onHand,
		ReorderThreshold: threshold,
		MaxStockLevel:    onHand * 2,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) stock(t *testing.T, productID string) *StockLevelDTO {
	t.Helper()
	s, err := f.query.GetStockItem(context.Background(), GetStockItemQuery{ProductID: productID})
	require.NoError(t, err)
	return s
}

func (f *fixture) ledger(t *testing.T, productID string) []LedgerEntryDTO {
	t.Helper()
	entries, err := f.query.GetLedger(context.Background(), GetLedgerQuery{ProductID: productID, Limit: 1000})
	require.NoError(t, err)
	return entries
}

func (f *fixture) reserve(t *testing.T, ttl *time.Duration, lines ...ReserveLine) *ReservationDTO {
	t.Helper()
	res, err := f.manager.Reserve(context.Background(), ReserveStockCommand{Lines: lines, RequesterID: "checkout", TTL: ttl})
	require.NoError(t, err)
	return res
}

func (f *fixture) requireBalanced(t *testing.T, productID string) {
	t.Helper()
	rec, err := f.query.Reconcile(context.Background(), GetStockItemQuery{ProductID: productID})
	require.NoError(t, err)
	require.True(t, rec.Balanced, "%+v", rec)
}

func ttl(d time.Duration) *time.Duration { return &d }

func line(productID string, qty int) ReserveLine {
	return ReserveLine{ProductID: productID, Quantity: qty}
}

func reasons(entries []LedgerEntryDTO) []string {
	// oldest first
	out := make([]string, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.Reason
	}
	return out
}

func countType(types []string, eventType string) int {
	n := 0
	for _, t := range types {
		if t == eventType {
			n++
		}
	}
	return n
}

// racingStore lets a competing writer bump the first item's version before
// each of the next `races` commits
type racingStore struct {
	*memory.Store
	mu    sync.Mutex
	races int
}

func (s *racingStore) Commit(ctx context.Context, cs *domain.ChangeSet) error {
	s.mu.Lock()
	race := s.races > 0 && len(cs.Items) > 0
	if race {
		s.races--
	}
	s.mu.Unlock()

	if race {
		first := cs.Items[0]
		if err := s.Store.Commit(ctx, &domain.ChangeSet{
			At:    cs.At,
			Items: []domain.ItemChange{{StockItemID: first.StockItemID, ExpectedVersion: first.ExpectedVersion}},
		}); err != nil {
			return err
		}
	}
	return s.Store.Commit(ctx, cs)
}

var errDiskFull = errors.New("disk full")

type failingStore struct {
	*memory.Store
}

func (s *failingStore) Commit(context.Context, *domain.ChangeSet) error {
	return errDiskFull
}
