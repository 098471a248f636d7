package subscription

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/auth"
	"github.com/genexchange/settlement/internal/ledger"
)

// Handler provides HTTP endpoints for subscriptions
type Handler struct {
	manager *Manager
}

// NewHandler creates a new subscription handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up subscription routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscriptions/:id", h.GetSubscription)
	r.GET("/accounts/:account/subscriptions", h.ListSubscriptions)
	r.GET("/accounts/:account/subscriptions/active", h.GetActive)
	r.GET("/subscription-prices", h.ListPrices)

	w := r.Group("", auth.RequireAccount())
	w.POST("/subscriptions", h.AddSubscription)
	w.POST("/subscriptions/:id/paid", h.SetPaid)
	w.PUT("/subscriptions/:id/status", h.ChangeStatus)
	w.PUT("/subscription-prices", h.SetPrice)
}

// AddSubscriptionRequest is the request body for queuing a subscription
type AddSubscriptionRequest struct {
	Duration string  `json:"duration" binding:"required"`
	Currency string  `json:"currency" binding:"required"`
	AssetID  *uint32 `json:"assetId"`
}

// AddSubscription handles POST /v1/subscriptions
func (h *Handler) AddSubscription(c *gin.Context) {
	var req AddSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "duration and currency are required",
		})
		return
	}
	s, err := h.manager.Add(c.Request.Context(), auth.Caller(c),
		Duration(req.Duration), asset.Currency(req.Currency), req.AssetID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": s})
}

// GetSubscription handles GET /v1/subscriptions/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	s, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

// ListSubscriptions handles GET /v1/accounts/:account/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	subs, err := h.manager.ListByPayer(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// GetActive handles GET /v1/accounts/:account/subscriptions/active
func (h *Handler) GetActive(c *gin.Context) {
	s, err := h.manager.ActiveFor(c.Request.Context(), c.Param("account"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

// SetPaid handles POST /v1/subscriptions/:id/paid
func (h *Handler) SetPaid(c *gin.Context) {
	s, err := h.manager.SetPaid(c.Request.Context(), auth.Caller(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

// ChangeStatusRequest is the request body for activating or deactivating
type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// ChangeStatus handles PUT /v1/subscriptions/:id/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	var req ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}
	s, err := h.manager.ChangeStatus(c.Request.Context(), auth.Caller(c), c.Param("id"), Status(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

// SetPriceRequest is the request body for the price table
type SetPriceRequest struct {
	Duration string `json:"duration" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

// SetPrice handles PUT /v1/subscription-prices
func (h *Handler) SetPrice(c *gin.Context) {
	var req SetPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "duration, currency and amount are required",
		})
		return
	}
	p, err := h.manager.SetPrice(c.Request.Context(), auth.Caller(c),
		Duration(req.Duration), asset.Currency(req.Currency), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"price": p})
}

// ListPrices handles GET /v1/subscription-prices
func (h *Handler) ListPrices(c *gin.Context) {
	prices, err := h.manager.Prices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": prices})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPriceNotSet):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrNotPaid),
		errors.Is(err, ErrAlreadyExists):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrPaymentFailed), errors.Is(err, ledger.ErrTransferFailed):
		status, code = http.StatusPaymentRequired, "payment_failed"
	case errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidPrice),
		errors.Is(err, asset.ErrInvalidAsset), errors.Is(err, asset.ErrUnknownCurrency):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
