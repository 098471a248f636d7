package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/auth"
)

func labService() *Service {
	return &Service{
		ID:    "svc-wgs",
		Owner: "0xLAB",
		Kind:  KindLabTest,
		Prices: []PriceByCurrency{{
			Currency:         "dbio",
			Prices:           []Price{{Component: "base", Value: "100"}},
			AdditionalPrices: []Price{{Component: "tax", Value: "5"}},
		}},
	}
}

func TestTotal(t *testing.T) {
	total, err := labService().Prices[0].Total()
	require.NoError(t, err)
	assert.Equal(t, "105.000000", total)

	_, err = Total([]Price{{Component: "base", Value: "x"}}, nil)
	assert.Error(t, err)
}

func TestService_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Service)
	}{
		{"missing id", func(s *Service) { s.ID = "" }},
		{"missing owner", func(s *Service) { s.Owner = " " }},
		{"bad kind", func(s *Service) { s.Kind = "massage" }},
		{"empty table", func(s *Service) { s.Prices = nil }},
		{"bad currency", func(s *Service) { s.Prices[0].Currency = "DOGE" }},
		{"no components", func(s *Service) { s.Prices[0].Prices = nil }},
		{"bad value", func(s *Service) { s.Prices[0].Prices[0].Value = "-1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := labService()
			tt.mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidService)
		})
	}
	assert.NoError(t, labService().Validate())
}

func TestMemoryStore_PutNormalizes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, labService()))

	owner, err := store.OwnerOf(ctx, "svc-wgs")
	require.NoError(t, err)
	assert.Equal(t, "0xlab", owner)

	table, err := store.PriceTable(ctx, "svc-wgs")
	require.NoError(t, err)
	require.Len(t, table, 1)
	assert.Equal(t, asset.DBIO, table[0].Currency)
	assert.Equal(t, "100.000000", table[0].Prices[0].Value)

	// Returned tables are copies.
	table[0].Prices[0].Value = "1"
	again, _ := store.PriceTable(ctx, "svc-wgs")
	assert.Equal(t, "100.000000", again[0].Prices[0].Value)

	_, err = store.OwnerOf(ctx, "missing")
	assert.True(t, errors.Is(err, ErrServiceNotFound))

	list, err := store.ListByOwner(ctx, "0xlab")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestHandler_PutService(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	g := r.Group("/v1", auth.Middleware(auth.NewManager(auth.NewMemoryStore()), true))
	NewHandler(store).RegisterRoutes(g)

	body := `{"kind":"lab_test","prices":[{"currency":"DBIO","prices":[{"component":"base","value":"10"}]}]}`
	put := func(caller string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/v1/services/svc-1", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if caller != "" {
			req.Header.Set(auth.HeaderAccount, caller)
		}
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, put("").Code)
	assert.Equal(t, http.StatusOK, put("0xlab").Code)
	assert.Equal(t, http.StatusForbidden, put("0xother").Code)
	assert.Equal(t, http.StatusOK, put("0xLAB").Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/services/svc-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"owner":"0xlab"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/services/none", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
