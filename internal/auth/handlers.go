package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for API keys and role keys
type Handler struct {
	manager    *Manager
	authorizer *KeyAuthorizer
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager, authorizer *KeyAuthorizer) *Handler {
	return &Handler{manager: m, authorizer: authorizer}
}

// RegisterRoutes sets up key management routes. The group is expected to run
// Middleware already.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireAccount(), h.Me)
	r.GET("/auth/keys", RequireAccount(), h.ListKeys)
	r.POST("/auth/keys", RequireAccount(), h.CreateKey)
	r.DELETE("/auth/keys/:keyId", RequireAccount(), h.RevokeKey)

	admin := r.Group("/admin", RequireAccount())
	admin.GET("/keys", h.ListAuthorities)
	admin.PUT("/keys/:role", h.SetAuthority)
	admin.POST("/accounts/:account/api-keys", RequireRole(h.authorizer, RoleTreasury), h.IssueKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":          "api_key",
		"header":        "Authorization: Bearer sk_...",
		"altHeader":     "X-API-Key: sk_...",
		"gatewayHeader": HeaderAccount,
		"roles":         Roles,
	})
}

// Me returns the resolved caller and its roles
func (h *Handler) Me(c *gin.Context) {
	caller := Caller(c)
	var roles []Role
	for _, r := range Roles {
		if h.authorizer.IsAuthorized(c.Request.Context(), r, caller) {
			roles = append(roles, r)
		}
	}
	resp := gin.H{"account": caller, "roles": roles}
	if key, ok := GetAPIKey(c); ok {
		resp["keyId"] = key.ID
	}
	c.JSON(http.StatusOK, resp)
}

// ListKeys returns API keys for the caller
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), Caller(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional API key for the caller
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}
	h.issue(c, Caller(c), req.Name)
}

// IssueKey creates an API key for any account (treasury only)
func (h *Handler) IssueKey(c *gin.Context) {
	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Issued key"
	}
	h.issue(c, c.Param("account"), req.Name)
}

func (h *Handler) issue(c *gin.Context, account, name string) {
	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), account, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"account": key.Account,
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's API keys
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if key, ok := GetAPIKey(c); ok && key.ID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, Caller(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}

// ListAuthorities handles GET /v1/admin/keys
func (h *Handler) ListAuthorities(c *gin.Context) {
	keys, err := h.authorizer.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// SetAuthorityRequest is the request body for rotating a role key
type SetAuthorityRequest struct {
	Account string `json:"account" binding:"required"`
}

// SetAuthority handles PUT /v1/admin/keys/:role
func (h *Handler) SetAuthority(c *gin.Context) {
	role, err := ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": err.Error(),
		})
		return
	}
	var req SetAuthorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account is required",
		})
		return
	}

	if err := h.authorizer.SetKey(c.Request.Context(), Caller(c), role, req.Account); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the sudo or treasury account may rotate role keys",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "account": req.Account})
}
