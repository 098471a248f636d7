package catalog

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/genexchange/settlement/internal/auth"
)

// Handler provides HTTP endpoints for the service catalog
type Handler struct {
	store Store
}

// NewHandler creates a new catalog handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up catalog routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services/:id", h.GetService)
	r.PUT("/services/:id", auth.RequireAccount(), h.PutService)
	r.GET("/accounts/:account/services", h.ListByOwner)
}

// GetService handles GET /v1/services/:id
func (h *Handler) GetService(c *gin.Context) {
	s, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Service not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": s})
}

// PutServiceRequest is the request body for registering or re-pricing a service
type PutServiceRequest struct {
	Kind   Kind              `json:"kind" binding:"required"`
	Name   string            `json:"name"`
	Prices []PriceByCurrency `json:"prices" binding:"required"`
}

// PutService handles PUT /v1/services/:id. The caller becomes the owner of
// a new service and must already own an existing one.
func (h *Handler) PutService(c *gin.Context) {
	var req PutServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind and prices are required",
		})
		return
	}

	ctx := c.Request.Context()
	caller := auth.Caller(c)
	id := c.Param("id")

	owner, err := h.store.OwnerOf(ctx, id)
	switch {
	case err == nil && !strings.EqualFold(owner, caller):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Service is owned by another account",
		})
		return
	case err != nil && !errors.Is(err, ErrServiceNotFound):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	svc := &Service{ID: id, Owner: caller, Kind: req.Kind, Name: req.Name, Prices: req.Prices}
	if err := h.store.Put(ctx, svc); err != nil {
		if errors.Is(err, ErrInvalidService) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_service",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	saved, err := h.store.Get(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": saved})
}

// ListByOwner handles GET /v1/accounts/:account/services
func (h *Handler) ListByOwner(c *gin.Context) {
	services, err := h.store.ListByOwner(c.Request.Context(), strings.ToLower(c.Param("account")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": services, "count": len(services)})
}
