package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmmail/backend/internal/auth/jwt"
	"crmmail/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(t *testing.T) (*gin.Engine, *jwt.Manager) {
	t.Helper()
	manager := jwt.NewManager("test-secret-test-secret-test-secret", "crmmail", time.Hour)
	auth := NewJWTAuth(manager, nil)

	r := gin.New()
	group := r.Group("/v1", auth.RequireAuth())
	group.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": Subject(c), "accounts": AccountScope(c).IDs()})
	})
	group.GET("/accounts/:accountId", RequireAccount("accountId"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r, manager
}

func TestJWTAuth(t *testing.T) {
	r, manager := newAuthRouter(t)
	token, _, err := manager.Issue("agent-1", []string{"acc-1", "acc-2"})
	require.NoError(t, err)

	t.Run("缺少令牌", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/whoami", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), `"code":401`)
	})

	t.Run("无效令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("有效令牌写入账户范围", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"subject":"agent-1"`)
		assert.Contains(t, w.Body.String(), `"acc-1"`)
		assert.Contains(t, w.Body.String(), `"acc-2"`)
	})

	t.Run("Cookie 令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("令牌外的账户被拒绝", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acc-9", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)

		req = httptest.NewRequest(http.MethodGet, "/v1/accounts/acc-2", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimit(16, map[string]int64{"/raw": 64}))
	r.POST("/json", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/raw", func(c *gin.Context) { c.Status(http.StatusOK) })

	body := strings.Repeat("x", 32)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/json", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/raw", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "64", w.Header().Get("X-Max-Body-Size"))
}

func TestMonitoringMiddleware(t *testing.T) {
	metrics := monitoring.NewMetrics(nil)
	mm := NewMonitoringMiddleware(metrics, nil)

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	r.GET("/limited", func(c *gin.Context) { c.Status(http.StatusTooManyRequests) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PanicsTotal))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitHits.WithLabelValues("http")))
}

func TestKeyedRateLimiter(t *testing.T) {
	t.Run("按账户独立计数", func(t *testing.T) {
		limiter := NewKeyedRateLimiter(1, 2)
		defer limiter.Stop()

		assert.True(t, limiter.Allow("acc-1"))
		assert.True(t, limiter.Allow("acc-1"))
		assert.False(t, limiter.Allow("acc-1"))
		assert.True(t, limiter.Allow("acc-2"))
	})

	t.Run("未配置时不限流", func(t *testing.T) {
		limiter := NewKeyedRateLimiter(0, 0)
		defer limiter.Stop()
		for i := 0; i < 100; i++ {
			require.True(t, limiter.Allow("acc-1"))
		}
	})
}
