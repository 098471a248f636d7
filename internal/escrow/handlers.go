package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for escrow state. Funds only
// move through order operations.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new escrow handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:orderId", h.GetEscrow)
	r.GET("/expired-escrows", h.ListExpired)
}

// GetEscrow handles GET /v1/escrows/:orderId
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.manager.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  rec,
		"expired": IsExpired(rec, h.manager.now()),
	})
}

// ListExpired handles GET /v1/expired-escrows
func (h *Handler) ListExpired(c *gin.Context) {
	recs, err := h.manager.ListExpired(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": recs, "count": len(recs)})
}
