package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/commerce-platform/stock-engine/internal/application"
	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/middleware"
)

// services groups the application services the routes dispatch to
type services struct {
	reservations *application.ReservationManager
	adjustments  *application.AdjustmentService
	queries      *application.StockQueryService
}

func registerRoutes(router *gin.Engine, svc *services, logger *logging.Logger) {
	api := router.Group("/api/v1")
	{
		reservations := api.Group("/reservations")
		reservations.POST("", reserveHandler(svc.reservations, logger))
		reservations.GET("/:id", getReservationHandler(svc.queries, logger))
		reservations.POST("/:id/confirm", confirmHandler(svc.reservations, logger))
		reservations.POST("/:id/release", releaseHandler(svc.reservations, logger))

		stock := api.Group("/stock")
		// static routes before the :productId wildcard
		stock.POST("", createStockItemHandler(svc.adjustments, logger))
		stock.POST("/adjustments", adjustHandler(svc.adjustments, logger))
		stock.POST("/cancellations", cancelSaleHandler(svc.adjustments, logger))
		stock.GET("/:productId", getStockItemHandler(svc.queries, logger))
		stock.GET("/:productId/ledger", getLedgerHandler(svc.queries, logger))
		stock.GET("/:productId/reconciliation", reconcileHandler(svc.queries, logger))
	}
}

func newResponder(c *gin.Context, logger *logging.Logger) *middleware.ErrorResponder {
	return middleware.NewErrorResponder(c, logger.Logger, application.MapError)
}

func reserveHandler(service *application.ReservationManager, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := newResponder(c, logger)

		var req struct {
			RequesterID string `json:"requesterId" binding:"required"`
			ReferenceID string `json:"referenceId"`
			TTLSeconds  *int   `json:"ttlSeconds" binding:"omitempty,min=0"`
			Lines       []struct {
				ProductID  string `json:"productId" binding:"required,product_id"`
				LocationID string `json:"locationId"`
				Quantity   int    `json:"quantity" binding:"required,gt=0"`
			} `json:"lines" binding:"required,min=1,dive"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			responder.RespondValidationError(err)
			return
		}

		cmd := application.ReserveStockCommand{
			RequesterID: req.RequesterID,
			ReferenceID: req.ReferenceID,
			Lines:       make([]application.ReserveLine, len(req.Lines)),
		}
		for i, l := range req.Lines {
			cmd.Lines[i] = application.ReserveLine{ProductID: l.ProductID, LocationID: l.LocationID, Quantity: l.Quantity}
		}
		if req.TTLSeconds != nil {
			ttl := time.Duration(*req.TTLSeconds) * time.Second
			cmd.TTL = &ttl
		}

		res, err := service.Reserve(c.Request.Context(), cmd)
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusCreated, res)
	}
}

func getReservationHandler(service *application.StockQueryService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := service.GetReservation(c.Request.Context(), c.Param("id"))
		if err != nil {
			newResponder(c, logger).RespondWithError(err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func confirmHandler(service *application.ReservationManager, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := newResponder(c, logger)

		var req struct {
			ReferenceID    string `json:"referenceId"`
			IdempotencyKey string `json:"idempotencyKey"`
		}
		// the body is optional
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				responder.RespondValidationError(err)
				return
			}
		}

		key := c.GetHeader(middleware.HeaderIdempotencyKey)
		if key == "" {
			key = req.IdempotencyKey
		}

		res, err := service.Confirm(c.Request.Context(), application.ConfirmReservationCommand{
			ReservationID:  c.Param("id"),
			ReferenceID:    req.ReferenceID,
			IdempotencyKey: key,
		})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

func releaseHandler(service *application.ReservationManager, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := newResponder(c, logger)

		var req struct {
			Reason string `json:"reason"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				responder.RespondValidationError(err)
				return
			}
		}

		res, err := service.Release(c.Request.Context(), application.ReleaseReservationCommand{
			ReservationID: c.Param("id"),
			Reason:        req.Reason,
		})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

func createStockItemHandler(service *application.AdjustmentService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := newResponder(c, logger)

		var req struct {
			ProductID        string `json:"productId" binding:"required,product_id"`
			SKU              string `json:"sku" binding:"required,sku"`
			LocationID       string `json:"locationId"`
			OnHand           int    `json:"onHand" binding:"min=0"`
			ReorderThreshold int    `json:"reorderThreshold" binding:"min=0"`
			MaxStockLevel    int    `json:"maxStockLevel" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			responder.RespondValidationError(err)
			return
		}

		item, err := service.CreateStockItem(c.Request.Context(), application.CreateStockItemCommand{
			ProductID:        req.ProductID,
			SKU:              req.SKU,
			LocationID:       req.LocationID,
			OnHand:           req.OnHand,
			ReorderThreshold: req.ReorderThreshold,
			MaxStockLevel:    req.MaxStockLevel,
		})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusCreated, item)
	}
}

func adjustHandler(service *application.AdjustmentService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := newResponder(c, logger)

		var req struct {
			ProductID      string `json:"productId" binding:"required,product_id"`
			LocationID     string `json:"locationId"`
			Delta          int    `json:"delta" binding:"nonzero"`
			Reason         string `json:"reason" binding:"omitempty,oneof=Adjustment Refund SubscriptionAllocation"`
			Note           string `json:"note" binding:"max=500"`
			ReferenceID    string `json:"referenceId"`
			IdempotencyKey string `json:"idempotencyKey"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			responder.RespondValidationError(err)
			return
		}

		key := c.GetHeader(middleware.HeaderIdempotencyKey)
		if key == "" {
			key = req.IdempotencyKey
		}

		result, err := service.Adjust(c.Request.Context(), application.AdjustStockCommand{
			ProductID:      req.ProductID,
			LocationID:     req.LocationID,
			Delta:          req.Delta,
			Reason:         domain.LedgerReason(req.Reason),
			Note:           req.Note,
			ReferenceID:    req.ReferenceID,
			IdempotencyKey: key,
		})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}

func cancelSaleHandler(service *application.AdjustmentService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := newResponder(c, logger)

		var req struct {
			StockItemID    string `json:"stockItemId" binding:"required_without=ReservationID"`
			ReservationID  string `json:"reservationId"`
			Quantity       int    `json:"quantity" binding:"min=0"`
			ReferenceID    string `json:"referenceId"`
			IdempotencyKey string `json:"idempotencyKey"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			responder.RespondValidationError(err)
			return
		}

		key := c.GetHeader(middleware.HeaderIdempotencyKey)
		if key == "" {
			key = req.IdempotencyKey
		}

		result, err := service.CancelConfirmedSale(c.Request.Context(), application.CancelSaleCommand{
			StockItemID:    req.StockItemID,
			ReservationID:  req.ReservationID,
			Quantity:       req.Quantity,
			ReferenceID:    req.ReferenceID,
			IdempotencyKey: key,
		})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}

func stockQuery(c *gin.Context) application.GetStockItemQuery {
	return application.GetStockItemQuery{ProductID: c.Param("productId"), LocationID: c.Query("locationId")}
}

func getStockItemHandler(service *application.StockQueryService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := service.GetStockItem(c.Request.Context(), stockQuery(c))
		if err != nil {
			newResponder(c, logger).RespondWithError(err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func getLedgerHandler(service *application.StockQueryService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := newResponder(c, logger)

		limit := application.DefaultLedgerLimit
		if limitStr := c.Query("limit"); limitStr != "" {
			l, err := strconv.Atoi(limitStr)
			if err != nil || l <= 0 {
				responder.RespondBadRequest("limit must be a positive integer")
				return
			}
			limit = l
		}

		q := stockQuery(c)
		entries, err := service.GetLedger(c.Request.Context(), application.GetLedgerQuery{
			ProductID:  q.ProductID,
			LocationID: q.LocationID,
			Limit:      limit,
		})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func reconcileHandler(service *application.StockQueryService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := service.Reconcile(c.Request.Context(), stockQuery(c))
		if err != nil {
			newResponder(c, logger).RespondWithError(err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}
