package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/bracketd/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newRouter(svc *auth.Service, rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/api/v1/positions", JWTAuth(svc, auth.PermRead), rl.Middleware())
	g.GET("", func(c *gin.Context) {
		c.String(http.StatusOK, auth.Operator(c))
	})
	r.GET("/api/v1/auth/token", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	svc := auth.NewService("secret", time.Hour)
	trader, err := svc.IssueToken("ops", auth.PermRead, auth.PermTrade)
	require.NoError(t, err)
	noPerms, err := svc.IssueToken("viewer")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"garbage", "abc", http.StatusUnauthorized},
		{"missing permission", noPerms.Token, http.StatusForbidden},
		{"valid", trader.Token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(newRouter(svc, NewRateLimiter()), "/api/v1/positions", tt.token)
			assert.Equal(t, tt.code, w.Code)
		})
	}

	w := get(newRouter(svc, NewRateLimiter()), "/api/v1/positions", trader.Token)
	assert.Equal(t, "ops", w.Body.String())
}

func TestRateLimitPerPath(t *testing.T) {
	svc := auth.NewService("secret", time.Hour)
	r := newRouter(svc, NewRateLimiter())

	assert.Equal(t, http.StatusOK, get(r, "/api/v1/auth/token", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/api/v1/auth/token", "").Code)
}

func TestRateLimitPerOperator(t *testing.T) {
	svc := auth.NewService("secret", time.Hour)
	rl := NewRateLimiter()
	r := newRouter(svc, rl)
	ops, err := svc.IssueToken("ops", auth.PermRead)
	require.NoError(t, err)
	viewer, err := svc.IssueToken("viewer", auth.PermRead)
	require.NoError(t, err)

	// Both callers share a client IP but not a bucket.
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/positions", ops.Token).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/api/v1/positions", ops.Token).Code)
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/positions", viewer.Token).Code)

	// Rejected tokens never reach the limiter.
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/positions", "bogus").Code)
	assert.Len(t, rl.visitors, 2)
	assert.Contains(t, rl.visitors, "ops:/api/v1/positions")
	assert.Contains(t, rl.visitors, "viewer:/api/v1/positions")
}

func TestSweepDropsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.getLimiter("/api/v1/auth/token", "1.2.3.4")
	rl.getLimiter("/api/v1/paper", "1.2.3.4")

	now = now.Add(5 * time.Minute)
	rl.getLimiter("/api/v1/paper", "1.2.3.4")
	rl.sweep(3 * time.Minute)

	assert.Len(t, rl.visitors, 1)
	assert.Equal(t, rate.Inf, rl.limitFor("/healthz"))
}
