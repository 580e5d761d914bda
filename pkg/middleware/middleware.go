package middleware

import (
	"context"
	"crypto/subtle"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-fix/internal/auth"
	"github.com/ksred/klear-fix/internal/observability"
	"github.com/ksred/klear-fix/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and route group
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   map[string]rate.Limit // by path prefix
	fallback rate.Limit
	burst    int
}

// NewRateLimiter limits order traffic to perSecond with the given burst.
// Auth is held to a much lower rate and read-only routes to a higher one.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits: map[string]rate.Limit{
			"/api/v1/auth":   rate.Limit(10.0 / 60.0), // 10 requests per minute
			"/api/v1/orders": rate.Limit(perSecond),
		},
		fallback: rate.Limit(perSecond * 10),
		burst:    burst,
	}
}

// group returns the bucket key and limit a path falls under
func (l *RateLimiter) group(path string) (string, rate.Limit) {
	for prefix, limit := range l.limits {
		if strings.HasPrefix(path, prefix) {
			return prefix, limit
		}
	}
	return path, l.fallback
}

func (l *RateLimiter) getLimiter(path, client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	group, limit := l.group(path)
	key := client + ":" + group
	v, exists := l.visitors[key]
	if !exists {
		burst := l.burst
		if limit < 1 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is done
func (l *RateLimiter) Cleanup(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.mu.Lock()
			for key, v := range l.visitors {
				if now.Sub(v.lastSeen) > 3*time.Minute {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := auth.ClientID(c)
		if client == "" {
			client = c.ClientIP()
		}

		if !l.getLimiter(c.Request.URL.Path, client).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth accepts a bearer token, or a token query parameter for WebSocket
// upgrades, and puts the client id and claims on the context.
func JWTAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := svc.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		token := c.Query("token")
		return token, token != ""
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// InternalAuth guards operator routes. A request passes with the shared
// X-Internal-Token, or with a bearer token carrying the admin permission.
func InternalAuth(svc *auth.Service, internalToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := c.GetHeader("X-Internal-Token"); token != "" && internalToken != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(internalToken)) != 1 {
				response.Unauthorized(c, "Invalid internal token")
				c.Abort()
				return
			}
			c.Set("clientID", "internal")
			c.Next()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}
		claims, err := svc.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		if !claims.Has(auth.PermissionAdmin) {
			response.Forbidden(c, "Admin permission required")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// Metrics records request counts and latencies by route template
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
