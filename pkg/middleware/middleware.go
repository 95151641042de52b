package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-router/internal/auth"
	"github.com/ksred/klear-router/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RouteLimit applies Limit to every path starting with Prefix.
type RouteLimit struct {
	Prefix string
	Limit  rate.Limit
	Burst  int
}

// DefaultRouteLimits are per caller and path.
func DefaultRouteLimits() []RouteLimit {
	return []RouteLimit{
		// 10 requests per minute
		{Prefix: "/api/v1/auth", Limit: rate.Limit(10.0 / 60.0), Burst: 1},
		// 100 requests per second
		{Prefix: "/api/v1/orders", Limit: rate.Limit(6000.0 / 60.0), Burst: 50},
		{Prefix: "/api/v1/internal", Limit: rate.Limit(1000.0 / 60.0), Burst: 10},
	}
}

// RateLimiter throttles requests per caller and path.
type RateLimiter struct {
	limits []RouteLimit

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits []RouteLimit) *RateLimiter {
	return &RateLimiter{limits: limits, visitors: make(map[string]*visitor)}
}

func (rl *RateLimiter) getLimiter(path, caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := caller + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, burst := rate.Inf, 1
		for _, l := range rl.limits {
			if strings.HasPrefix(path, l.Prefix) {
				limit, burst = l.Limit, l.Burst
				break
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is cancelled.
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("clientID")
		if caller == "" {
			caller = c.ClientIP()
		}

		if !rl.getLimiter(c.FullPath(), caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequestLogger logs every request with zerolog.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := log.Info()
		if c.Writer.Status() >= 500 {
			evt = log.Error()
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_id", c.GetString("clientID")).
			Msg("http request")
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// JWTAuth validates the bearer token and stores its claims on the context.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		if !claims.HasPermission(auth.PermissionTrade) && !claims.HasPermission(auth.PermissionInternal) {
			response.Forbidden(c, "Token does not grant trading access")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// InternalAuth admits only tokens carrying the internal permission.
func InternalAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		if !claims.HasPermission(auth.PermissionInternal) {
			response.Forbidden(c, "Internal endpoint")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}
