package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"postflow/internal/config"
	"postflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/api/automations", ok)
	r.POST("/api/automations/events", ok)
	return r
}

func hit(r *gin.Engine, method, path, remote string) int {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit_Disabled(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{Enabled: false, RequestsPerMinute: 1, Burst: 1}))
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/api/automations", "10.0.0.1"))
	}
}

func TestRateLimit_GlobalBurstPerClient(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 3}))

	allowed := 0
	for i := 0; i < 10; i++ {
		if hit(r, http.MethodGet, "/api/automations", "10.0.0.1") == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/api/automations", "10.0.0.2"), "buckets are per client")
	assert.GreaterOrEqual(t, metrics.RateLimitDrops()["global"], uint64(7))
}

func TestRateLimit_PathOverrideAndWhitelist(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 600,
		Burst:             100,
		WhitelistIPs:      []string{"10.0.0.9"},
		Paths: []config.PathRateLimitConfig{
			{Enabled: true, Prefix: "/api/automations/events", RequestsPerMinute: 1, Burst: 1},
			{Enabled: false, Prefix: "/api/automations", RequestsPerMinute: 1, Burst: 1},
		},
	}))

	assert.Equal(t, http.StatusOK, hit(r, http.MethodPost, "/api/automations/events", "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodPost, "/api/automations/events", "10.0.0.1"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/api/automations", "10.0.0.1"), "disabled override falls back to global")
		assert.Equal(t, http.StatusOK, hit(r, http.MethodPost, "/api/automations/events", "10.0.0.9"), "whitelisted")
	}
}

func TestLimiter_EvictsIdleClients(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	l := newLimiter("", 60, 2)
	l.now = func() time.Time { return now }
	assert.Equal(t, minIdle, l.idle)

	for i := 0; i < 50; i++ {
		assert.True(t, l.allow(fmt.Sprintf("10.1.0.%d", i)))
	}
	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.Equal(t, 51, l.size())

	now = now.Add(minIdle - time.Minute)
	assert.True(t, l.allow("10.0.0.1"), "refilled while still tracked")
	now = now.Add(2 * time.Minute)
	l.allow("10.0.0.2")
	assert.Equal(t, 2, l.size(), "only clients seen within the idle window remain")

	slow := newLimiter("", 1, 100)
	assert.Equal(t, 100*time.Minute, slow.idle, "a bucket is kept until it has fully refilled")
}

func TestCORS(t *testing.T) {
	r := newRouter(CORS(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://admin.example.com"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/automations", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodOptions, "/api/automations", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAllowedOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"empty list allows any", nil, "https://a.test", "*"},
		{"wildcard", []string{"*"}, "https://a.test", "*"},
		{"listed origin is echoed", []string{"https://b.test", "https://a.test"}, "https://A.test", "https://A.test"},
		{"unlisted origin", []string{"https://b.test"}, "https://a.test", ""},
		{"missing origin header", []string{"https://b.test"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, allowedOrigin(tt.allowed, tt.origin))
		})
	}
}
