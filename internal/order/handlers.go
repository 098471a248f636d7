package order

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/auth"
	"github.com/genexchange/settlement/internal/catalog"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/pagination"
)

// Handler provides HTTP endpoints for orders
type Handler struct {
	engine *Engine
}

// NewHandler creates a new order handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up order routes. Mutations require a caller account.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/escrow", h.GetEscrow)
	r.GET("/accounts/:account/orders", h.ListOrders)

	w := r.Group("", auth.RequireAccount())
	w.POST("/orders", h.CreateOrder)
	w.POST("/orders/:id/cancel", h.action(h.engine.CancelOrder))
	w.POST("/orders/:id/paid", h.action(h.engine.SetOrderPaid))
	w.POST("/orders/:id/fulfill", h.action(h.engine.FulfillOrder))
	w.POST("/orders/:id/refund", h.action(h.engine.SetOrderRefunded))
	w.POST("/orders/:id/failed", h.action(h.engine.MarkFailed))
	w.POST("/orders/:id/workflow-success", h.action(h.engine.VerifyWorkflow))
	w.PUT("/orders/:id/prices", h.UpdatePrices)
}

// CreateOrderBody is the request body for creating an order
type CreateOrderBody struct {
	ServiceID     string  `json:"serviceId" binding:"required"`
	PriceIndex    int     `json:"priceIndex"`
	BuyerBoxKey   string  `json:"buyerBoxPublicKey"`
	Flow          string  `json:"flow"`
	AssetID       *uint32 `json:"assetId"`
	GeneticDataID string  `json:"geneticDataId"`
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var body CreateOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "serviceId is required",
		})
		return
	}

	o, err := h.engine.CreateOrder(c.Request.Context(), CreateOrderRequest{
		Buyer:         auth.Caller(c),
		ServiceID:     body.ServiceID,
		PriceIndex:    body.PriceIndex,
		BuyerBoxKey:   body.BuyerBoxKey,
		Flow:          Flow(body.Flow),
		AssetID:       body.AssetID,
		GeneticDataID: body.GeneticDataID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// GetEscrow handles GET /v1/orders/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.engine.Escrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListOrders handles GET /v1/accounts/:account/orders?role=buyer|seller
func (h *Handler) ListOrders(c *gin.Context) {
	account := c.Param("account")
	requested, _ := strconv.Atoi(c.Query("limit"))
	limit := pagination.Limit(requested, 50, 500)

	var (
		orders []*Order
		err    error
	)
	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		if _, err := pagination.Decode(cursor); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "cursor is malformed",
			})
			return
		}
		opts = append(opts, WithCursor(cursor))
	}

	// Fetch one extra to learn whether another page exists.
	switch role := strings.ToLower(c.DefaultQuery("role", "buyer")); role {
	case "buyer":
		orders, err = h.engine.ListByBuyer(c.Request.Context(), account, limit+1, opts...)
	case "seller":
		orders, err = h.engine.ListBySeller(c.Request.Context(), account, limit+1, opts...)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role must be buyer or seller",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	orders, next, hasMore := pagination.ComputePage(orders, limit, PageKey)
	c.JSON(http.StatusOK, gin.H{
		"orders":     orders,
		"count":      len(orders),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// UpdatePricesBody is the request body for re-pricing an order
type UpdatePricesBody struct {
	Prices           []catalog.Price `json:"prices" binding:"required"`
	AdditionalPrices []catalog.Price `json:"additionalPrices"`
}

// UpdatePrices handles PUT /v1/orders/:id/prices
func (h *Handler) UpdatePrices(c *gin.Context) {
	var body UpdatePricesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "prices are required",
		})
		return
	}
	o, err := h.engine.UpdatePrices(c.Request.Context(), auth.Caller(c), c.Param("id"), body.Prices, body.AdditionalPrices)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// action adapts a caller-scoped engine transition to a handler.
func (h *Handler) action(fn func(ctx context.Context, caller, orderID string) (*Order, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := fn(c.Request.Context(), auth.Caller(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": o})
	}
}

// writeError maps domain errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, catalog.ErrServiceNotFound), errors.Is(err, escrow.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, ErrWorkflowPending):
		status, code = http.StatusConflict, "workflow_pending"
	case errors.Is(err, escrow.ErrTransferFailed):
		status, code = http.StatusPaymentRequired, "transfer_failed"
	case errors.Is(err, asset.ErrInvalidAsset), errors.Is(err, asset.ErrUnknownCurrency):
		status, code = http.StatusBadRequest, "invalid_asset"
	case errors.Is(err, ErrInvalidPriceIndex), errors.Is(err, ErrInvalidOrder),
		errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrBelowMinimum):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, escrow.ErrAlreadyFunded), errors.Is(err, escrow.ErrAlreadySettled):
		status, code = http.StatusConflict, "conflict"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
