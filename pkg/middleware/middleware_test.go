package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-fix/internal/auth"
	"github.com/ksred/klear-fix/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func tokenFor(t *testing.T, svc *auth.Service, key string) string {
	t.Helper()
	tok, err := svc.GenerateToken(auth.Credentials{APIKey: key, APISecret: key + "-secret"})
	require.NoError(t, err)
	return tok.Token
}

func newAuthService() *auth.Service {
	svc := auth.NewService("test-secret")
	svc.RegisterAPICredentials("trader", "trader-secret")
	svc.RegisterAPICredentials("ops", "ops-secret", auth.PermissionTrade, auth.PermissionAdmin)
	return svc
}

func serve(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	svc := newAuthService()
	router := gin.New()
	router.GET("/orders", JWTAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, auth.ClientID(c))
	})
	token := tokenFor(t, svc, "trader")

	w := serve(router, http.MethodGet, "/orders", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trader", w.Body.String())

	w = serve(router, http.MethodGet, "/orders?token="+token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, header := range []string{"", "Bearer", "Basic " + token, "Bearer garbage"} {
		w = serve(router, http.MethodGet, "/orders", map[string]string{"Authorization": header})
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
}

func TestInternalAuth(t *testing.T) {
	svc := newAuthService()
	router := gin.New()
	router.DELETE("/internal/executions", InternalAuth(svc, "shared"), func(c *gin.Context) {
		c.String(http.StatusOK, auth.ClientID(c))
	})

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"shared token", map[string]string{"X-Internal-Token": "shared"}, http.StatusOK},
		{"wrong shared token", map[string]string{"X-Internal-Token": "nope"}, http.StatusUnauthorized},
		{"admin jwt", map[string]string{"Authorization": "Bearer " + tokenFor(t, svc, "ops")}, http.StatusOK},
		{"trader jwt", map[string]string{"Authorization": "Bearer " + tokenFor(t, svc, "trader")}, http.StatusForbidden},
		{"nothing", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodDelete, "/internal/executions", tt.headers)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	router := gin.New()
	router.Use(limiter.Handler())
	router.GET("/api/v1/orders/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		codes = append(codes, serve(router, http.MethodGet, "/api/v1/orders/"+id, nil).Code)
	}
	// different order ids share the orders bucket
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// other routes have their own bucket
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health", nil).Code)
	assert.True(t, strings.Contains(serve(router, http.MethodGet, "/api/v1/orders/d", nil).Body.String(), "RATE_LIMIT_EXCEEDED"))
}

func TestMetrics(t *testing.T) {
	m := observability.NewMetrics("test")
	router := gin.New()
	router.Use(Metrics(m))
	router.GET("/api/v1/orders/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(router, http.MethodGet, "/api/v1/orders/a", nil)
	serve(router, http.MethodGet, "/api/v1/orders/b", nil)
	serve(router, http.MethodGet, "/missing", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/v1/orders/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))
}
