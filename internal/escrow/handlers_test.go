package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(m).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandler_GetEscrow(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Open(context.Background(), orderID, buyer, seller, nil, "105", f.now)
	require.NoError(t, err)
	r := setupRouter(f.manager)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+orderID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Escrow  Record `json:"escrow"`
		Expired bool   `json:"expired"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, DeriveAccount(orderID), body.Escrow.Account)
	assert.Equal(t, "105.000000", body.Escrow.AmountToPay)
	assert.False(t, body.Expired)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/0xmissing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListExpired(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.manager)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/expired-escrows", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}
