package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "0xBuyerABC", "test-key")
	return mgr, rawKey, key
}

func runMiddleware(mw gin.HandlerFunc, headers map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	mw(c)
	return c, w
}

func TestMiddleware_ValidKey_SetsCaller(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := runMiddleware(Middleware(mgr, false), map[string]string{"Authorization": rawKey})

	if got := Caller(c); got != "0xbuyerabc" {
		t.Errorf("Expected 0xbuyerabc, got %q", got)
	}
	key, ok := GetAPIKey(c)
	if !ok || key.Name != "test-key" {
		t.Errorf("Expected API key in context, got %v", key)
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := runMiddleware(Middleware(mgr, false), map[string]string{"X-API-Key": rawKey})

	if Caller(c) == "" {
		t.Error("Expected caller set via X-API-Key header")
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c, w := runMiddleware(Middleware(mgr, true), map[string]string{
		"Authorization": "sk_invalid",
		HeaderAccount:   "0xspoofed",
	})

	if Caller(c) != "" {
		t.Error("an invalid key must not fall back to the gateway header")
	}
	if c.IsAborted() || w.Code != http.StatusOK {
		t.Error("Middleware should not abort on invalid key")
	}
}

func TestMiddleware_GatewayHeader(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()
	headers := map[string]string{HeaderAccount: " 0xGateWay "}

	c, _ := runMiddleware(Middleware(mgr, true), headers)
	if got := Caller(c); got != "0xgateway" {
		t.Errorf("Expected 0xgateway, got %q", got)
	}

	c, _ = runMiddleware(Middleware(mgr, false), headers)
	if Caller(c) != "" {
		t.Error("gateway header must be ignored when not trusted")
	}
}

func TestMiddleware_RevokedKey_DoesNotSetCaller(t *testing.T) {
	mgr, rawKey, key := setupMiddlewareTest()
	_ = mgr.RevokeKey(context.Background(), key.ID, "0xBuyerABC")

	c, _ := runMiddleware(Middleware(mgr, false), map[string]string{"Authorization": rawKey})
	if Caller(c) != "" {
		t.Error("Expected no caller for revoked key")
	}
}

func TestRequireAccount(t *testing.T) {
	c, w := runMiddleware(RequireAccount(), nil)
	if !c.IsAborted() || w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 abort, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Set(ContextKeyAccount, "0xa")
	RequireAccount()(c)
	if c.IsAborted() {
		t.Error("RequireAccount should pass an identified caller")
	}
}

func TestRequireRole(t *testing.T) {
	ctx := context.Background()
	a := NewKeyAuthorizer(NewMemoryAuthorityStore(), "", nil)
	_ = a.Bootstrap(ctx, map[Role]string{RoleTreasury: "0xtreasury"})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if acct := c.GetHeader(HeaderAccount); acct != "" {
			c.Set(ContextKeyAccount, acct)
		}
	})
	r.GET("/admin", RequireRole(a, RoleTreasury), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		account string
		want    int
	}{
		{"", http.StatusUnauthorized},
		{"0xbuyer", http.StatusForbidden},
		{"0xtreasury", http.StatusNoContent},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if tc.account != "" {
			req.Header.Set(HeaderAccount, tc.account)
		}
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("account %q: expected %d, got %d", tc.account, tc.want, w.Code)
		}
	}
}

func TestHandler_SetAuthority(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	a := NewKeyAuthorizer(NewMemoryAuthorityStore(), "0xsudo", nil)

	r := gin.New()
	g := r.Group("/v1", Middleware(mgr, true))
	NewHandler(mgr, a).RegisterRoutes(g)

	put := func(caller, role, body string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/v1/admin/keys/"+role, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderAccount, caller)
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := put("0xbuyer", "treasury", `{"account":"0xt"}`); code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-sudo caller, got %d", code)
	}
	if code := put("0xsudo", "treasury", `{"account":"0xt"}`); code != http.StatusOK {
		t.Errorf("Expected 200 for sudo, got %d", code)
	}
	if code := put("0xt", "nope", `{"account":"0xe"}`); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown role, got %d", code)
	}
	if code := put("0xt", "escrow", `{}`); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing account, got %d", code)
	}
	if !a.IsAuthorized(ctx, RoleTreasury, "0xt") {
		t.Error("treasury key should have been set")
	}

	// Treasury issues an API key for another account.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/accounts/0xLab/api-keys", nil)
	req.Header.Set(HeaderAccount, "0xt")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 issuing key, got %d: %s", w.Code, w.Body.String())
	}
	keys, _ := mgr.ListKeys(ctx, "0xlab")
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for 0xlab, got %d", len(keys))
	}
}
