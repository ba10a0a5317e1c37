package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-platform/stock-engine/internal/application"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/events"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/memory"
	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
	"github.com/commerce-platform/stock-engine/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	logger := logging.NewNop()
	store := memory.NewStore(events.NewOutboxMapper(cloudevents.NewEventFactory(cloudevents.SourceStockEngine)))
	svc := &services{
		reservations: application.NewReservationManager(store, logger, nil, nil),
		adjustments:  application.NewAdjustmentService(store, logger, nil, nil),
		queries:      application.NewStockQueryService(store, logger),
	}
	return newRouter(svc, metrics.New(metrics.DefaultConfig("stock-engine-test")), logger, func(context.Context) error { return nil })
}

func do(t *testing.T, router *gin.Engine, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func seedStock(t *testing.T, router *gin.Engine, productID string, onHand int) application.StockLevelDTO {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/stock", gin.H{
		"productId":        productID,
		"sku":              "SKU-" + productID,
		"onHand":           onHand,
		"reorderThreshold": 2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[application.StockLevelDTO](t, w)
}

func reserve(t *testing.T, router *gin.Engine, productID string, qty int) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/v1/reservations", gin.H{
		"requesterId": "checkout",
		"lines":       []gin.H{{"productId": productID, "quantity": qty}},
	})
}

func TestCreateStockItem(t *testing.T) {
	router := setupRouter(t)

	item := seedStock(t, router, "P-1", 10)
	assert.Equal(t, 10, item.OnHand)
	assert.Equal(t, 10, item.Available)
	assert.NotEmpty(t, item.StockItemID)

	w := do(t, router, http.MethodPost, "/api/v1/stock", gin.H{"productId": "P-1", "sku": "SKU-P-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/stock", gin.H{"productId": "P-2", "sku": "lower"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[middleware.APIErrorResponse](t, w)
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	assert.Contains(t, resp.Details, "sku")
}

func TestReserveConfirmFlow(t *testing.T) {
	router := setupRouter(t)
	seedStock(t, router, "P-1", 10)

	w := reserve(t, router, "P-1", 4)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[application.ReservationDTO](t, w)
	assert.Equal(t, "Active", res.Status)

	w = do(t, router, http.MethodGet, "/api/v1/stock/P-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	level := decode[application.StockLevelDTO](t, w)
	assert.Equal(t, 10, level.OnHand)
	assert.Equal(t, 4, level.Reserved)
	assert.Equal(t, 6, level.Available)

	w = do(t, router, http.MethodPost, "/api/v1/reservations/"+res.ReservationID+"/confirm", gin.H{"referenceId": "ORD-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Confirmed", decode[application.ReservationDTO](t, w).Status)

	w = do(t, router, http.MethodPost, "/api/v1/reservations/"+res.ReservationID+"/release", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/stock/P-1/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ledger := decode[struct {
		Entries []application.LedgerEntryDTO `json:"entries"`
		Count   int                          `json:"count"`
	}](t, w)
	assert.Equal(t, 2, ledger.Count)

	w = do(t, router, http.MethodGet, "/api/v1/stock/P-1/reconciliation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[application.ReconciliationDTO](t, w).Balanced)
}

func TestReserveInsufficientStock(t *testing.T) {
	router := setupRouter(t)
	seedStock(t, router, "P-1", 3)

	w := reserve(t, router, "P-1", 4)
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode[middleware.APIErrorResponse](t, w)
	assert.Equal(t, "INSUFFICIENT_STOCK", resp.Code)
	assert.NotNil(t, resp.Data)
}

func TestReserveValidation(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/reservations", gin.H{"requesterId": "checkout", "lines": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = reserve(t, router, "P-1", 0)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = reserve(t, router, "unknown", 1)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReleaseFlow(t *testing.T) {
	router := setupRouter(t)
	seedStock(t, router, "P-1", 5)

	res := decode[application.ReservationDTO](t, reserve(t, router, "P-1", 5))

	w := do(t, router, http.MethodPost, "/api/v1/reservations/"+res.ReservationID+"/release", gin.H{"reason": "cart abandoned"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Released", decode[application.ReservationDTO](t, w).Status)

	w = do(t, router, http.MethodGet, "/api/v1/reservations/"+res.ReservationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cart abandoned", decode[application.ReservationDTO](t, w).CloseReason)

	w = do(t, router, http.MethodGet, "/api/v1/reservations/RES-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdjustIdempotency(t *testing.T) {
	router := setupRouter(t)
	seedStock(t, router, "P-1", 5)

	body := gin.H{"productId": "P-1", "delta": 3, "reason": "Refund"}
	w := do(t, router, http.MethodPost, "/api/v1/stock/adjustments", body, middleware.HeaderIdempotencyKey, "refund-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[application.AdjustmentResultDTO](t, w)
	assert.Equal(t, 8, first.Stock.OnHand)

	w = do(t, router, http.MethodPost, "/api/v1/stock/adjustments", body, middleware.HeaderIdempotencyKey, "refund-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replay := decode[application.AdjustmentResultDTO](t, w)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.LedgerEntryID, replay.LedgerEntryID)
	assert.Equal(t, 8, replay.Stock.OnHand)

	w = do(t, router, http.MethodPost, "/api/v1/stock/adjustments", gin.H{"productId": "P-1", "delta": 5, "reason": "Refund"}, middleware.HeaderIdempotencyKey, "refund-1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, "IDEMPOTENCY_PARAMETER_MISMATCH", decode[middleware.APIErrorResponse](t, w).Code)

	w = do(t, router, http.MethodPost, "/api/v1/stock/adjustments", gin.H{"productId": "P-1", "delta": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/stock/adjustments", gin.H{"productId": "P-1", "delta": 1, "reason": "Sale"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelConfirmedSale(t *testing.T) {
	router := setupRouter(t)
	seedStock(t, router, "P-1", 10)

	res := decode[application.ReservationDTO](t, reserve(t, router, "P-1", 5))
	w := do(t, router, http.MethodPost, "/api/v1/reservations/"+res.ReservationID+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/stock/cancellations", gin.H{"reservationId": res.ReservationID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, decode[application.CancellationResultDTO](t, w).LedgerEntryIDs, 1)

	w = do(t, router, http.MethodGet, "/api/v1/stock/P-1", nil)
	assert.Equal(t, 10, decode[application.StockLevelDTO](t, w).OnHand)

	w = do(t, router, http.MethodPost, "/api/v1/stock/cancellations", gin.H{"reservationId": res.ReservationID})
	assert.Equal(t, http.StatusBadRequest, w.Code, "the sale was already returned")

	w = do(t, router, http.MethodGet, "/api/v1/stock/P-1", nil)
	assert.Equal(t, 10, decode[application.StockLevelDTO](t, w).OnHand)

	w = do(t, router, http.MethodPost, "/api/v1/stock/cancellations", gin.H{"quantity": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelConfirmedSaleIdempotency(t *testing.T) {
	router := setupRouter(t)
	seedStock(t, router, "P-1", 10)

	res := decode[application.ReservationDTO](t, reserve(t, router, "P-1", 4))
	w := do(t, router, http.MethodPost, "/api/v1/reservations/"+res.ReservationID+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := gin.H{"reservationId": res.ReservationID, "quantity": 2}
	w = do(t, router, http.MethodPost, "/api/v1/stock/cancellations", body, middleware.HeaderIdempotencyKey, "rma-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/stock/cancellations", body, middleware.HeaderIdempotencyKey, "rma-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[application.CancellationResultDTO](t, w).Replayed)

	w = do(t, router, http.MethodPost, "/api/v1/stock/cancellations", gin.H{"reservationId": res.ReservationID, "quantity": 1}, middleware.HeaderIdempotencyKey, "rma-1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "IDEMPOTENCY_PARAMETER_MISMATCH", decode[middleware.APIErrorResponse](t, w).Code)

	w = do(t, router, http.MethodGet, "/api/v1/stock/P-1", nil)
	assert.Equal(t, 8, decode[application.StockLevelDTO](t, w).OnHand)
}

func TestLedgerLimitValidation(t *testing.T) {
	router := setupRouter(t)
	seedStock(t, router, "P-1", 1)

	w := do(t, router, http.MethodGet, "/api/v1/stock/P-1/ledger?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/stock/P-1/ledger?limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	router := setupRouter(t)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/ready", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/nope", nil).Code)
}
