package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/ddrflow/config"
	"github.com/BaSui01/ddrflow/internal/metrics"
	"github.com/BaSui01/ddrflow/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
})

func TestSecurityHeaders_ChainedWithRequestID(t *testing.T) {
	handler := Chain(okHandler, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req-"))
}

func TestRequestID_PreservesClientValue(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-7")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, "client-7", seen)
	assert.Equal(t, "client-7", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	handler := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), Recovery(zap.NewNop()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrInternalError))
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func jwtClaims(sub string, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl))}
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Enabled: true, Secret: "s3cret", Issuer: "ddrflow"}
	var subject string
	handler := JWTAuth(cfg, publicPaths, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = types.Subject(r.Context())
	}))

	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
		sub    string
	}{
		{"public path skips auth", "/health", "", http.StatusOK, ""},
		{"missing header", "/api/v1/stats", "", http.StatusUnauthorized, ""},
		{"not bearer", "/api/v1/stats", "Basic abc", http.StatusUnauthorized, ""},
		{"valid token", "/api/v1/stats", "Bearer " + signToken(t, "s3cret", jwt.RegisteredClaims{
			Subject: "geologist-1", Issuer: "ddrflow", ExpiresAt: future,
		}), http.StatusOK, "geologist-1"},
		{"wrong secret", "/api/v1/stats", "Bearer " + signToken(t, "other", jwt.RegisteredClaims{
			Subject: "x", Issuer: "ddrflow", ExpiresAt: future,
		}), http.StatusUnauthorized, ""},
		{"expired", "/api/v1/stats", "Bearer " + signToken(t, "s3cret", jwt.RegisteredClaims{
			Subject: "x", Issuer: "ddrflow", ExpiresAt: past,
		}), http.StatusUnauthorized, ""},
		{"no expiry", "/api/v1/stats", "Bearer " + signToken(t, "s3cret", jwt.RegisteredClaims{
			Subject: "x", Issuer: "ddrflow",
		}), http.StatusUnauthorized, ""},
		{"wrong issuer", "/api/v1/stats", "Bearer " + signToken(t, "s3cret", jwt.RegisteredClaims{
			Subject: "x", Issuer: "someone-else", ExpiresAt: future,
		}), http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.sub, subject)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 1, 2)(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/answer", nil)
		r.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 其他调用方不受影响
	r := httptest.NewRequest(http.MethodPost, "/api/v1/answer", nil)
	r.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_DisabledWhenZero(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 0, 0)(okHandler)
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCallerKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "ip:192.0.2.1", callerKey(r))

	r = r.WithContext(types.WithSubject(r.Context(), "ops"))
	assert.Equal(t, "sub:ops", callerKey(r))
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, nil)

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/history/{id}", okHandler)
	handler := MetricsMiddleware(collector)(mux)

	for _, id := range []string{"a1", "b2", "c3"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history/"+id, nil))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	expected := `
# HELP test_http_requests_total Total number of HTTP requests
# TYPE test_http_requests_total counter
test_http_requests_total{method="GET",path="/api/v1/history/{id}",status="2xx"} 3
test_http_requests_total{method="GET",path="unmatched",status="4xx"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_http_requests_total"))
}

func TestRateLimiter_RetryAfterFollowsRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 0.5, 1)(okHandler)

	var last *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "2", last.Header().Get("Retry-After"))
}

func TestCallerLimiters_SweepDropsIdle(t *testing.T) {
	l := newCallerLimiters(1, 1)
	now := time.Now()
	l.allow("ip:a", now.Add(-10*time.Minute))
	l.allow("ip:b", now)

	l.sweep(now)
	assert.NotContains(t, l.buckets, "ip:a")
	assert.Contains(t, l.buckets, "ip:b")
}
