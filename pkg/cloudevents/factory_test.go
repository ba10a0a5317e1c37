package cloudevents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-platform/stock-engine/pkg/logging"
)

func TestCreateEvent_PicksUpCorrelationFromContext(t *testing.T) {
	f := NewEventFactory(SourceStockEngine)
	ctx := logging.ContextWithCorrelationID(context.Background(), "corr-1")

	e := f.CreateEvent(ctx, "commerce.stock.adjusted", "stock/SI-1", map[string]int{"delta": 3})

	require.NoError(t, e.Validate())
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, SourceStockEngine, e.Source)
	assert.NotEmpty(t, e.ID)
}

func TestCreateEventWithCorrelation_Overrides(t *testing.T) {
	f := NewEventFactory(SourceStockEngine)
	ctx := logging.ContextWithCorrelationID(context.Background(), "from-ctx")

	e := f.CreateEventWithCorrelation(ctx, "commerce.stock.adjusted", "stock/SI-1", nil, "explicit")
	assert.Equal(t, "explicit", e.CorrelationID)
}

func TestHeaders_IncludeExtensions(t *testing.T) {
	e := NewEventFactory(SourceStockEngine).CreateEvent(context.Background(), "t", "s", nil)
	e.ReservationID = "RES-1"
	e.Extensions["attempt"] = 2

	h := e.Headers()
	assert.Equal(t, "t", h["ce_type"])
	assert.Equal(t, "s", h["ce_subject"])
	assert.Equal(t, "RES-1", h["ce_"+ExtReservationID])
	assert.Equal(t, "2", h["ce_attempt"])
	_, hasCorrelation := h["ce_"+ExtCorrelationID]
	assert.False(t, hasCorrelation)
}

func TestValidate_RejectsMissingType(t *testing.T) {
	e := &StockCloudEvent{SpecVersion: SpecVersion, ID: "1", Source: "x"}
	assert.Error(t, e.Validate())
}
