package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-router/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthEngine(t *testing.T) (*gin.Engine, *auth.Service) {
	t.Helper()
	svc := auth.NewService("secret", time.Hour)
	r := gin.New()
	r.GET("/api/v1/orders", JWTAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})
	r.GET("/api/v1/internal/venues", InternalAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r, svc
}

func get(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r, svc := newAuthEngine(t)
	tok, err := svc.IssueToken("acct1")
	require.NoError(t, err)

	w := get(r, "/api/v1/orders", tok.Token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acct1", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/orders", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/orders", "garbage").Code)

	readOnly, err := svc.IssueToken("acct1", "read")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, get(r, "/api/v1/orders", readOnly.Token).Code)
}

func TestInternalAuth(t *testing.T) {
	r, svc := newAuthEngine(t)
	trader, err := svc.IssueToken("acct1")
	require.NoError(t, err)
	ops, err := svc.IssueToken("ops", auth.PermissionInternal)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, get(r, "/api/v1/internal/venues", trader.Token).Code)
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/internal/venues", ops.Token).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/internal/venues", "").Code)
}

func TestRateLimiterPerCaller(t *testing.T) {
	limiter := NewRateLimiter([]RouteLimit{{Prefix: "/api/v1/orders", Limit: rate.Every(time.Hour), Burst: 2}})
	r := gin.New()
	r.GET("/api/v1/orders", func(c *gin.Context) {
		c.Set("clientID", c.GetHeader("X-Client"))
		c.Next()
	}, limiter.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/health", limiter.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	call := func(path, client string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Client", client)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("/api/v1/orders", "a"))
	assert.Equal(t, http.StatusOK, call("/api/v1/orders", "a"))
	assert.Equal(t, http.StatusTooManyRequests, call("/api/v1/orders", "a"))
	assert.Equal(t, http.StatusOK, call("/api/v1/orders", "b"))

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, call("/health", "a"))
	}
}
