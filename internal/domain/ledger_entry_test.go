package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(t *testing.T, onHand, threshold int) *StockItem {
	t.Helper()
	item, err := NewStockItem("P-1", "SKU-001", "", onHand, threshold, 200, t0)
	require.NoError(t, err)
	return item
}

func TestNewLedgerEntry_UsesAvailableForHolds(t *testing.T) {
	item := newItem(t, 100, 0)
	item.Reserved = 10

	hold := NewLedgerEntry(item, ReasonReserved, -15, t0)
	assert.Equal(t, 90, hold.QuantityBefore)
	assert.Equal(t, 75, hold.QuantityAfter)

	sale := NewLedgerEntry(item, ReasonSale, -15, t0)
	assert.Equal(t, 100, sale.QuantityBefore)
	assert.Equal(t, 85, sale.QuantityAfter)

	assert.Regexp(t, `^LE-\d+-[0-9a-f]{8}$`, sale.ID)
}

func TestLedgerReason_Classification(t *testing.T) {
	assert.False(t, ReasonReserved.AffectsOnHand())
	assert.False(t, ReasonReleased.AffectsOnHand())
	assert.True(t, ReasonSale.AffectsOnHand())
	assert.True(t, ReasonCancellation.AffectsOnHand())
	assert.True(t, ReasonRefund.IsAdjustmentReason())
	assert.False(t, ReasonSale.IsAdjustmentReason())
	assert.False(t, LedgerReason("Shrinkage").IsValid())
}

func TestReconcile_ReserveConfirmCancel(t *testing.T) {
	item := newItem(t, 100, 0)
	var entries []*LedgerEntry

	entries = append(entries, NewLedgerEntry(item, ReasonReserved, -15, t0))
	item = item.Apply(0, 15, t0)
	entries = append(entries, NewLedgerEntry(item, ReasonSale, -15, t0))
	item = item.Apply(-15, -15, t0)
	entries = append(entries, NewLedgerEntry(item, ReasonCancellation, 5, t0))
	item = item.Apply(5, 0, t0)
	entries = append(entries, NewLedgerEntry(item, ReasonReserved, -4, t0))
	item = item.Apply(0, 4, t0)

	rec := Reconcile(item, entries)
	assert.True(t, rec.Balanced(), "%+v", rec)
	assert.Equal(t, -10, rec.LedgerOnHandSum)
	assert.Equal(t, 4, rec.LedgerReserved)
	assert.Equal(t, int64(5), item.Version)

	item.OnHand++
	assert.False(t, Reconcile(item, entries).OnHandBalanced)
}
