package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/genexchange/settlement/internal/auth"
	"github.com/genexchange/settlement/internal/ledger"
	"github.com/genexchange/settlement/internal/validation"
)

// Handler provides admin HTTP endpoints. Callers must mount it behind
// auth.RequireRole.
type Handler struct {
	ledger     LedgerAdmin
	reconciler ReconciliationRunner
	scanner    EscrowScanner
	allowMint  bool
	logger     *slog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(l LedgerAdmin, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: l, logger: logger}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithEscrowScanner sets the scanner for on-demand expiry scans.
func (h *Handler) WithEscrowScanner(s EscrowScanner) *Handler {
	h.scanner = s
	return h
}

// WithMint enables the mint endpoint. Only development deployments should.
func (h *Handler) WithMint(enabled bool) *Handler {
	h.allowMint = enabled
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/accounts/:account/balance", h.getBalance)
	r.GET("/admin/accounts/:account/history", h.getHistory)
	r.POST("/admin/accounts/:account/freeze", h.freeze)
	r.POST("/admin/accounts/:account/thaw", h.thaw)
	r.POST("/admin/mint", h.mint)
	r.POST("/admin/escrows/scan", h.scanEscrows)
	r.POST("/admin/reconcile", h.triggerReconciliation)
}

func (h *Handler) getBalance(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}
	bal, err := h.ledger.Balance(c.Request.Context(), assetID, c.Param("account"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func (h *Handler) getHistory(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) freeze(c *gin.Context) {
	account := c.Param("account")
	if err := h.ledger.Freeze(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	h.logger.Warn("account frozen", "account", account, "by", auth.Caller(c))
	c.JSON(http.StatusOK, gin.H{"account": account, "frozen": true})
}

func (h *Handler) thaw(c *gin.Context) {
	account := c.Param("account")
	if err := h.ledger.Thaw(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	h.logger.Info("account thawed", "account", account, "by", auth.Caller(c))
	c.JSON(http.StatusOK, gin.H{"account": account, "frozen": false})
}

func (h *Handler) mint(c *gin.Context) {
	if !h.allowMint {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Minting is disabled"})
		return
	}
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	account := validation.SanitizeAccount(req.Account)
	if errs := validation.Validate(
		validation.ValidAccount("account", account),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if err := h.ledger.Mint(c.Request.Context(), req.AssetID, account, req.Amount); err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, ledger.ErrTransferFailed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	h.logger.Info("minted", "account", account, "amount", req.Amount, "by", auth.Caller(c))
	bal, err := h.ledger.Balance(c.Request.Context(), req.AssetID, account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func (h *Handler) scanEscrows(c *gin.Context) {
	if h.scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow monitor not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiredCount": h.scanner.Scan(c.Request.Context())})
}

// triggerReconciliation runs an on-demand escrow/ledger reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

func parseAssetID(c *gin.Context) (*uint32, bool) {
	raw := c.Query("assetId")
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "assetId must be a 32-bit unsigned integer"})
		return nil, false
	}
	id := uint32(v)
	return &id, true
}
