package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/logging"
)

func TestReserve_ConcurrentRequestsNeverOversell(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 5, 0)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		short     int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Reserve(context.Background(), ReserveStockCommand{Lines: []ReserveLine{line("P-1", 3)}, RequesterID: "checkout"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 2, short)
	s := f.stock(t, "P-1")
	assert.Equal(t, 3, s.Reserved)
	assert.Equal(t, 2, s.Available)
	f.requireBalanced(t, "P-1")
}

func TestReserve_MultiItemIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)
	f.seed(t, "P-2", 1, 0)
	f.seed(t, "P-3", 0, 0)

	_, err := f.manager.Reserve(context.Background(), ReserveStockCommand{
		Lines:       []ReserveLine{line("P-1", 4), line("P-2", 2), line("P-3", 1)},
		RequesterID: "checkout",
	})

	var short *domain.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Len(t, short.Items, 2)
	byProduct := map[string]domain.ShortItem{}
	for _, it := range short.Items {
		byProduct[it.ProductID] = it
	}
	assert.Equal(t, domain.ShortItem{StockItemID: byProduct["P-2"].StockItemID, ProductID: "P-2", Requested: 2, Available: 1, Shortfall: 1}, byProduct["P-2"])
	assert.Equal(t, 1, byProduct["P-3"].Shortfall)

	for _, p := range []string{"P-1", "P-2", "P-3"} {
		assert.Equal(t, 0, f.stock(t, p).Reserved, p)
		assert.Empty(t, f.ledger(t, p), p)
	}
}

func TestReserve_MergesDuplicateLines(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)

	res := f.reserve(t, nil, line("P-1", 2), line("P-1", 3))
	require.Len(t, res.Lines, 1)
	assert.Equal(t, 5, res.Lines[0].Quantity)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), res.ExpiresAt)
}

func TestReserve_Validation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)
	ctx := context.Background()

	_, err := f.manager.Reserve(ctx, ReserveStockCommand{RequesterID: "checkout"})
	assert.ErrorIs(t, err, domain.ErrEmptyReservation)

	_, err = f.manager.Reserve(ctx, ReserveStockCommand{Lines: []ReserveLine{line("P-1", 0)}})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = f.manager.Reserve(ctx, ReserveStockCommand{Lines: []ReserveLine{line("missing", 1)}})
	assert.ErrorIs(t, err, domain.ErrStockItemNotFound)
}

func TestReserveConfirm_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 100, 0)
	ctx := logging.ContextWithCorrelationID(context.Background(), "order-42")

	res, err := f.manager.Reserve(ctx, ReserveStockCommand{Lines: []ReserveLine{line("P-1", 15)}, RequesterID: "checkout", ReferenceID: "ORD-42"})
	require.NoError(t, err)
	assert.Equal(t, "order-42", res.CorrelationID)

	s := f.stock(t, "P-1")
	assert.Equal(t, [3]int{100, 15, 85}, [3]int{s.OnHand, s.Reserved, s.Available})

	confirmed, err := f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: res.ReservationID, ReferenceID: "ORD-42"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReservationStatusConfirmed), confirmed.Status)
	assert.Equal(t, "ORD-42", confirmed.ConfirmReference)

	s = f.stock(t, "P-1")
	assert.Equal(t, [3]int{85, 0, 85}, [3]int{s.OnHand, s.Reserved, s.Available})

	entries := f.ledger(t, "P-1")
	assert.Equal(t, []string{"Reserved", "Sale"}, reasons(entries))
	assert.Equal(t, -15, entries[1].QuantityDelta)
	assert.Equal(t, -15, entries[0].QuantityDelta)
	assert.Equal(t, "order-42", entries[0].CorrelationID)
	f.requireBalanced(t, "P-1")

	types := f.mem.EventTypes(res.ReservationID)
	assert.Equal(t, []string{domain.EventReservationCreated, domain.EventReservationCommitted}, types)
	itemTypes := f.mem.EventTypes(s.StockItemID)
	assert.Equal(t, []string{domain.EventInventoryReserved, domain.EventInventoryCommitted}, itemTypes)
}

func TestConfirm_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)
	res := f.reserve(t, nil, line("P-1", 4))
	ctx := context.Background()

	cmd := ConfirmReservationCommand{ReservationID: res.ReservationID, IdempotencyKey: "confirm-1"}
	_, err := f.manager.Confirm(ctx, cmd)
	require.NoError(t, err)
	again, err := f.manager.Confirm(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, string(domain.ReservationStatusConfirmed), again.Status)
	assert.Equal(t, 6, f.stock(t, "P-1").OnHand)
	assert.Len(t, f.ledger(t, "P-1"), 2)
}

func TestConfirm_KeyReusedForAnotherReferenceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)
	res := f.reserve(t, nil, line("P-1", 4))
	ctx := context.Background()

	_, err := f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: res.ReservationID, ReferenceID: "ORD-1", IdempotencyKey: "pay-1"})
	require.NoError(t, err)

	_, err = f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: res.ReservationID, ReferenceID: "ORD-2", IdempotencyKey: "pay-1"})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyMismatch)

	again, err := f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: res.ReservationID, ReferenceID: "ORD-1", IdempotencyKey: "pay-1"})
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", again.ConfirmReference)
	assert.Equal(t, 6, f.stock(t, "P-1").OnHand)
	assert.Len(t, f.ledger(t, "P-1"), 2)
}

func TestConfirm_ClosedEventUsesEngineClock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)
	res := f.reserve(t, nil, line("P-1", 4))
	ctx := context.Background()

	f.clock.Advance(time.Minute)
	_, err := f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: res.ReservationID})
	require.NoError(t, err)

	rows, err := f.mem.FindByAggregateID(ctx, res.ReservationID)
	require.NoError(t, err)
	var committed int
	for _, row := range rows {
		if row.EventType != domain.EventReservationCommitted {
			continue
		}
		committed++
		ce, err := row.ToCloudEvent()
		require.NoError(t, err)
		assert.True(t, f.clock.Now().Equal(ce.Time), "got %s", ce.Time)
	}
	assert.Equal(t, 1, committed)
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 20, 0)
	f.seed(t, "P-2", 20, 0)
	before1, before2 := f.stock(t, "P-1"), f.stock(t, "P-2")

	res := f.reserve(t, nil, line("P-2", 7), line("P-1", 3))
	released, err := f.manager.Release(context.Background(), ReleaseReservationCommand{ReservationID: res.ReservationID, Reason: "cart abandoned"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReservationStatusReleased), released.Status)
	assert.Equal(t, "cart abandoned", released.CloseReason)

	after1, after2 := f.stock(t, "P-1"), f.stock(t, "P-2")
	assert.Equal(t, [2]int{before1.OnHand, before1.Reserved}, [2]int{after1.OnHand, after1.Reserved})
	assert.Equal(t, [2]int{before2.OnHand, before2.Reserved}, [2]int{after2.OnHand, after2.Reserved})

	entries := f.ledger(t, "P-2")
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"Reserved", "Released"}, reasons(entries))
	assert.Equal(t, 7, entries[0].QuantityDelta)
	assert.Equal(t, -7, entries[1].QuantityDelta)
	f.requireBalanced(t, "P-1")
	f.requireBalanced(t, "P-2")
}

func TestRelease_TerminalStates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 20, 0)
	ctx := context.Background()

	released := f.reserve(t, nil, line("P-1", 1))
	_, err := f.manager.Release(ctx, ReleaseReservationCommand{ReservationID: released.ReservationID})
	require.NoError(t, err)
	again, err := f.manager.Release(ctx, ReleaseReservationCommand{ReservationID: released.ReservationID})
	require.NoError(t, err, "releasing twice is a no-op")
	assert.Equal(t, string(domain.ReservationStatusReleased), again.Status)
	assert.Len(t, f.ledger(t, "P-1"), 2)

	_, err = f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: released.ReservationID})
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)

	confirmed := f.reserve(t, nil, line("P-1", 1))
	_, err = f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: confirmed.ReservationID})
	require.NoError(t, err)
	_, err = f.manager.Release(ctx, ReleaseReservationCommand{ReservationID: confirmed.ReservationID})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.manager.Release(ctx, ReleaseReservationCommand{ReservationID: "RES-unknown"})
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestAdjustmentThenConfirm_FailsLazily(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 50, 0)
	ctx := context.Background()

	res := f.reserve(t, nil, line("P-1", 30))
	assert.Equal(t, 20, f.stock(t, "P-1").Available)

	_, err := f.adjust.Adjust(ctx, AdjustStockCommand{ProductID: "P-1", Delta: -25, Note: "water damage"})
	require.NoError(t, err, "adjustments never fail for driving available negative")
	s := f.stock(t, "P-1")
	assert.Equal(t, [3]int{25, 30, -5}, [3]int{s.OnHand, s.Reserved, s.Available})

	_, err = f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: res.ReservationID})
	var short *domain.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 5, short.Items[0].Shortfall)

	got, err := f.query.GetReservation(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReservationStatusActive), got.Status)
	assert.NotContains(t, reasons(f.ledger(t, "P-1")), "Sale")
	f.requireBalanced(t, "P-1")
}

func TestExpire_ZeroTTLExpiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)
	ctx := context.Background()

	res := f.reserve(t, ttl(0), line("P-1", 4))
	got, err := f.query.GetReservation(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReservationStatusActive), got.Status)

	expired, err := f.manager.Expire(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.True(t, expired)

	expired, err = f.manager.Expire(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.False(t, expired)

	got, err = f.query.GetReservation(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReservationStatusExpired), got.Status)
	assert.Equal(t, 0, f.stock(t, "P-1").Reserved)
	assert.Equal(t, 1, countType(f.mem.EventTypes(res.ReservationID), domain.EventReservationExpired))
	f.requireBalanced(t, "P-1")
}

func TestExpire_SkipsReservationsNotYetDue(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)
	res := f.reserve(t, ttl(time.Minute), line("P-1", 1))

	expired, err := f.manager.Expire(context.Background(), res.ReservationID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, 1, f.stock(t, "P-1").Reserved)
}

func TestConfirm_PastDeadlineExpiresInline(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "P-1", 10, 0)
	ctx := context.Background()
	res := f.reserve(t, ttl(time.Minute), line("P-1", 3))

	f.clock.Advance(2 * time.Minute)
	_, err := f.manager.Confirm(ctx, ConfirmReservationCommand{ReservationID: res.ReservationID})
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)

	got, err := f.query.GetReservation(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReservationStatusExpired), got.Status)
	assert.Equal(t, 0, f.stock(t, "P-1").Reserved)

	_, err = f.manager.Release(ctx, ReleaseReservationCommand{ReservationID: res.ReservationID})
	assert.NoError(t, err)
}

func TestReserve_RetriesOnlyAfterLostRace(t *testing.T) {
	mem := newMemoryStore()
	racing := &racingStore{Store: mem, races: 2}
	f := newFixtureWithStore(t, mem, racing)
	f.seed(t, "P-1", 10, 0)

	res := f.reserve(t, nil, line("P-1", 4))
	assert.NotEmpty(t, res.ReservationID)
	s := f.stock(t, "P-1")
	assert.Equal(t, 4, s.Reserved)
	assert.Equal(t, int64(4), s.Version, "two competing bumps plus our commit")
	f.requireBalanced(t, "P-1")
}

func TestReserve_SurfacesConcurrencyConflictAfterRetryBound(t *testing.T) {
	mem := newMemoryStore()
	racing := &racingStore{Store: mem, races: 100}
	f := newFixtureWithStore(t, mem, racing)
	f.seed(t, "P-1", 10, 0)

	_, err := f.manager.Reserve(context.Background(), ReserveStockCommand{Lines: []ReserveLine{line("P-1", 1)}})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, 0, f.stock(t, "P-1").Reserved)
}

func TestReserve_StoreFailureLeavesNothingBehind(t *testing.T) {
	mem := newMemoryStore()
	f := newFixtureWithStore(t, mem, &failingStore{Store: mem})
	f.seed(t, "P-1", 10, 0)

	_, err := f.manager.Reserve(context.Background(), ReserveStockCommand{Lines: []ReserveLine{line("P-1", 1)}})
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 0, f.stock(t, "P-1").Reserved)
	assert.Empty(t, f.ledger(t, "P-1"))
}
