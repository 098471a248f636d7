package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexchange/settlement/internal/auth"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, rps float64, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(Config{RequestsPerSecond: rps, Burst: burst, IdleTTL: time.Minute})
	require.NotNil(t, l)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestLimiter_Burst(t *testing.T) {
	l, clock := newTestLimiter(t, 1, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("k"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("k"), "request after burst")

	clock.advance(time.Second)
	assert.True(t, l.Allow("k"), "token replenished after one second")
	assert.False(t, l.Allow("k"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		l.Allow("a")
	}
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_EvictsIdleKeys(t *testing.T) {
	l, clock := newTestLimiter(t, 1000, 1000)

	l.Allow("stale")
	clock.advance(2 * time.Minute)
	for i := 0; i < 511; i++ {
		l.Allow("fresh")
	}
	assert.Equal(t, 1, l.Len())
}

func TestNew_DisabledReturnsNil(t *testing.T) {
	assert.Nil(t, New(Config{}))
	assert.Nil(t, New(Config{RequestsPerSecond: 5}))

	var l *Limiter
	assert.True(t, l.Allow("anything"))
	assert.Zero(t, l.Len())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10.0, cfg.RequestsPerSecond)
	assert.Equal(t, 20, cfg.Burst)
	assert.Equal(t, 10*time.Minute, cfg.IdleTTL)
}

func TestMiddleware_ChargesCallerAccount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 1, 1)

	r := gin.New()
	r.Use(auth.Middleware(auth.NewManager(auth.NewMemoryStore()), true))
	r.Use(l.Middleware(nil))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(account string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if account != "" {
			req.Header.Set(auth.HeaderAccount, account)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("0xb1").Code)
	w := call("0xb1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, call("0xb2").Code, "other accounts have their own bucket")
	assert.Equal(t, http.StatusOK, call("").Code, "anonymous requests are charged to the IP")
}
