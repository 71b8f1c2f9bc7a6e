package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/bracketd/internal/auth"
	"github.com/ksred/bracketd/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller and route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   []pathLimit
	burst    int
	now      func() time.Time
}

type pathLimit struct {
	prefix string
	limit  rate.Limit
}

// NewRateLimiter returns the limiter with the default per-endpoint limits.
// Paths without a limit are not throttled.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits: []pathLimit{
			{"/api/v1/auth", rate.Limit(10.0 / 60.0)},      // 10 requests per minute
			{"/api/v1/positions", rate.Limit(60.0 / 60.0)}, // 60 requests per minute
			{"/api/v1/paper", rate.Limit(120.0 / 60.0)},    // 120 requests per minute
			{"/api/v1/balance", rate.Limit(1000.0 / 60.0)}, // 1000 requests per minute
			{"/api/v1/assets", rate.Limit(1000.0 / 60.0)},  // 1000 requests per minute
		},
		burst: 1,
		now:   time.Now,
	}
}

func (rl *RateLimiter) limitFor(path string) rate.Limit {
	for _, l := range rl.limits {
		if strings.HasPrefix(path, l.prefix) {
			return l.limit
		}
	}
	return rate.Inf
}

func (rl *RateLimiter) getLimiter(path, caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := caller + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limitFor(path), rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = rl.now()
	return v.limiter
}

// Cleanup drops idle callers every minute until ctx is done.
func (rl *RateLimiter) Cleanup(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.sweep(3 * time.Minute)
		}
	}
}

func (rl *RateLimiter) sweep(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

// Middleware throttles per operator when it runs after JWTAuth and per client
// IP otherwise.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := auth.Operator(c)
		if caller == "" {
			caller = c.ClientIP()
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !rl.getLimiter(path, caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// JWTAuth requires a valid bearer token and stores the operator on the
// context. A non-empty perm must also be granted by the token.
func JWTAuth(svc *auth.Service, perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := svc.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		if perm != "" && !claims.Can(perm) {
			response.Forbidden(c, "Token lacks permission: "+perm)
			c.Abort()
			return
		}

		c.Set(auth.ContextOperator, claims.Operator)
		c.Set("claims", claims)
		c.Next()
	}
}

// RequestLogger logs every request at debug level and failures at warn.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()

		ev := log.Debug()
		if status >= 500 {
			ev = log.Warn()
		}
		ev.Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("ip", c.ClientIP()).
			Str("operator", auth.Operator(c)).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
