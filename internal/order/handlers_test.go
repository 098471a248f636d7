package order

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexchange/settlement/internal/auth"
	"github.com/genexchange/settlement/internal/ledger"
)

func setupRouter(e *Engine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Middleware(auth.NewManager(auth.NewMemoryStore()), true))
	NewHandler(e).RegisterRoutes(r.Group("/v1"))
	return r
}

func do(r *gin.Engine, method, path, caller string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(auth.HeaderAccount, caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) *Order {
	t.Helper()
	var body struct {
		Order *Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Order)
	return body.Order
}

func TestHandler_Lifecycle(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.engine)

	w := do(r, http.MethodPost, "/v1/orders", buyer, map[string]any{"serviceId": labService})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	o := decodeOrder(t, w)
	assert.Equal(t, "105.000000", o.TotalPrice)

	w = do(r, http.MethodPost, "/v1/orders/"+o.ID+"/paid", escrowKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusPaid, decodeOrder(t, w).Status)

	w = do(r, http.MethodPost, "/v1/orders/"+o.ID+"/fulfill", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusFulfilled, decodeOrder(t, w).Status)

	w = do(r, http.MethodPost, "/v1/orders/"+o.ID+"/fulfill", seller, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state_transition")

	w = do(r, http.MethodGet, "/v1/orders/"+o.ID+"/escrow", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"settlement":"released"`)
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.engine)
	o := f.create(t)

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   any
		want   int
	}{
		{"anonymous create", http.MethodPost, "/v1/orders", "", map[string]any{"serviceId": labService}, http.StatusUnauthorized},
		{"missing service id", http.MethodPost, "/v1/orders", buyer, map[string]any{}, http.StatusBadRequest},
		{"unknown service", http.MethodPost, "/v1/orders", buyer, map[string]any{"serviceId": "nope"}, http.StatusNotFound},
		{"bad price index", http.MethodPost, "/v1/orders", buyer, map[string]any{"serviceId": labService, "priceIndex": 7}, http.StatusBadRequest},
		{"asset mismatch", http.MethodPost, "/v1/orders", buyer, map[string]any{"serviceId": labService, "priceIndex": 1}, http.StatusBadRequest},
		{"pay by buyer", http.MethodPost, "/v1/orders/" + o.ID + "/paid", buyer, nil, http.StatusForbidden},
		{"fulfill unpaid", http.MethodPost, "/v1/orders/" + o.ID + "/fulfill", seller, nil, http.StatusConflict},
		{"missing order", http.MethodGet, "/v1/orders/0xmissing", "", nil, http.StatusNotFound},
		{"reprice by buyer", http.MethodPut, "/v1/orders/" + o.ID + "/prices", buyer,
			map[string]any{"prices": []map[string]string{{"component": "base", "value": "1"}}}, http.StatusForbidden},
		{"bad role", http.MethodGet, "/v1/accounts/" + buyer + "/orders?role=auditor", "", nil, http.StatusBadRequest},
		{"bad cursor", http.MethodGet, "/v1/accounts/" + buyer + "/orders?cursor=bm9waXBl", "", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_PaymentFailure(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.engine)
	o := f.create(t)
	require.NoError(t, f.ledger.Freeze(t.Context(), buyer))

	w := do(r, http.MethodPost, "/v1/orders/"+o.ID+"/paid", escrowKey, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), ledger.ErrAccountFrozen.Error())
}

func TestHandler_ListOrders(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.engine)
	f.create(t)
	f.create(t)

	w := do(r, http.MethodGet, "/v1/accounts/"+seller+"/orders?role=seller", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = do(r, http.MethodGet, "/v1/accounts/"+stranger+"/orders", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestHandler_ListOrdersPaged(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.engine)
	created := map[string]bool{}
	for i := 0; i < 3; i++ {
		created[f.create(t).ID] = true
	}

	type page struct {
		Orders     []*Order `json:"orders"`
		NextCursor string   `json:"nextCursor"`
		HasMore    bool     `json:"hasMore"`
	}
	fetch := func(cursor string) page {
		path := "/v1/accounts/" + buyer + "/orders?limit=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w := do(r, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		return p
	}

	first := fetch("")
	require.Len(t, first.Orders, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second := fetch(first.NextCursor)
	require.Len(t, second.Orders, 1)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, o := range append(first.Orders, second.Orders...) {
		assert.False(t, seen[o.ID], "order %s returned twice", o.ID)
		seen[o.ID] = true
	}
	assert.Equal(t, created, seen)
}

func TestHandler_UpdatePrices(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.engine)
	o := f.create(t)

	w := do(r, http.MethodPut, "/v1/orders/"+o.ID+"/prices", seller, map[string]any{
		"prices":           []map[string]string{{"component": "base", "value": "60"}},
		"additionalPrices": []map[string]string{{"component": "tax", "value": "3"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "63.000000", decodeOrder(t, w).TotalPrice)
}
