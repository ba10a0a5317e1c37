package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newActiveReservation(t *testing.T) *Reservation {
	t.Helper()
	r, err := NewReservation("checkout", "ORD-1", "corr-1", []ReservationLine{
		{StockItemID: "STK-b", ProductID: "P-b", Quantity: 2},
		{StockItemID: "STK-a", ProductID: "P-a", Quantity: 1},
	}, 15*time.Minute, t0)
	require.NoError(t, err)
	return r
}

func TestNewReservation_SortsLinesAndSetsExpiry(t *testing.T) {
	r := newActiveReservation(t)

	assert.Equal(t, ReservationStatusActive, r.Status)
	assert.Equal(t, "STK-a", r.Lines[0].StockItemID)
	assert.Equal(t, "STK-b", r.Lines[1].StockItemID)
	assert.Equal(t, t0.Add(15*time.Minute), r.ExpiresAt)
	assert.Equal(t, 3, r.TotalQuantity())
	assert.Regexp(t, `^RES-[0-9a-f-]{36}$`, r.ID)
}

func TestNewReservation_RejectsBadLines(t *testing.T) {
	_, err := NewReservation("checkout", "", "", nil, time.Minute, t0)
	assert.ErrorIs(t, err, ErrEmptyReservation)

	_, err = NewReservation("checkout", "", "", []ReservationLine{{StockItemID: "STK-a", Quantity: 0}}, time.Minute, t0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReservation_ZeroTTLIsExpiredImmediately(t *testing.T) {
	r, err := NewReservation("checkout", "", "", []ReservationLine{{StockItemID: "STK-a", Quantity: 1}}, 0, t0)
	require.NoError(t, err)

	assert.Equal(t, ReservationStatusActive, r.Status)
	assert.True(t, r.IsExpiredAt(t0))
}

func TestReservation_Transitions(t *testing.T) {
	r := newActiveReservation(t)

	confirmed, ok, err := r.Transition(ReservationStatusConfirmed, "", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ReservationStatusConfirmed, confirmed.Status)
	assert.Equal(t, ReservationStatusActive, r.Status, "original is left untouched")
	require.NotNil(t, confirmed.ClosedAt)

	_, ok, err = confirmed.Transition(ReservationStatusConfirmed, "", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = confirmed.Transition(ReservationStatusReleased, "customer", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReservation_ConfirmAfterTerminalIsNotFound(t *testing.T) {
	for _, status := range []ReservationStatus{ReservationStatusReleased, ReservationStatusExpired} {
		r := newActiveReservation(t)
		closed, _, err := r.Transition(status, "x", t0)
		require.NoError(t, err)

		_, _, err = closed.Transition(ReservationStatusConfirmed, "", t0)
		assert.ErrorIs(t, err, ErrReservationNotFound, status)

		var te *TransitionError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, status, te.From)
	}
}

func TestReservation_ReleasedAndExpiredAbsorbEachOther(t *testing.T) {
	r := newActiveReservation(t)
	released, _, err := r.Transition(ReservationStatusReleased, "customer", t0)
	require.NoError(t, err)

	_, ok, err := released.Transition(ReservationStatusExpired, CloseReasonExpired, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func confirmedReservation(t *testing.T) *Reservation {
	t.Helper()
	confirmed, _, err := newActiveReservation(t).Transition(ReservationStatusConfirmed, "", t0)
	require.NoError(t, err)
	return confirmed
}

func TestReservation_CancellableLines(t *testing.T) {
	_, err := newActiveReservation(t).CancellableLines("", 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	r := confirmedReservation(t)

	all, err := r.CancellableLines("", 0)
	require.NoError(t, err)
	assert.Equal(t, []ReservationLine{
		{StockItemID: "STK-a", ProductID: "P-a", Quantity: 1},
		{StockItemID: "STK-b", ProductID: "P-b", Quantity: 2},
	}, all)

	_, err = r.CancellableLines("", 1)
	assert.ErrorIs(t, err, ErrInvalidQuantity, "partial needs a single line")

	_, err = r.CancellableLines("STK-b", 3)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = r.CancellableLines("STK-z", 1)
	assert.ErrorIs(t, err, ErrStockItemNotFound)
}

func TestReservation_WithCancellationTracksRemainder(t *testing.T) {
	r := confirmedReservation(t)

	lines, err := r.CancellableLines("STK-b", 1)
	require.NoError(t, err)
	once, err := r.WithCancellation(SaleCancellation{StockItemID: "STK-b", Quantity: 1, At: t0}, lines)
	require.NoError(t, err)
	assert.Equal(t, r.Revision+1, once.Revision)
	assert.Equal(t, 0, r.Lines[1].Cancelled, "original is left untouched")
	assert.Equal(t, 1, once.Lines[1].Remaining())
	require.Len(t, once.Cancellations, 1)

	lines, err = once.CancellableLines("", 0)
	require.NoError(t, err)
	assert.Equal(t, []ReservationLine{
		{StockItemID: "STK-a", ProductID: "P-a", Quantity: 1},
		{StockItemID: "STK-b", ProductID: "P-b", Quantity: 1},
	}, lines)
	done, err := once.WithCancellation(SaleCancellation{IdempotencyKey: "rma-1", At: t0}, lines)
	require.NoError(t, err)

	_, err = done.CancellableLines("", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = done.WithCancellation(SaleCancellation{}, []ReservationLine{{StockItemID: "STK-a", Quantity: 1}})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	assert.NotNil(t, done.FindCancellation("rma-1"))
	assert.Nil(t, done.FindCancellation("rma-2"))
	assert.Nil(t, done.FindCancellation(""))
}
