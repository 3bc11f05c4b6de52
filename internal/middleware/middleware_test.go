package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-service/internal/authz"
	"github.com/iliyamo/auth-service/internal/config"
	"github.com/iliyamo/auth-service/internal/metrics"
	"github.com/iliyamo/auth-service/internal/utils"
)

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func serve(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func throttled(t *testing.T, rdb redis.UniversalClient) *echo.Echo {
	t.Helper()
	e := echo.New()
	cfg := config.ThrottleConfig{Enabled: true, Rate: 1, Burst: 2, TTL: time.Minute}
	e.GET("/login", ok, Throttle(cfg, rdb, "test", zerolog.Nop()))
	return e
}

func TestThrottle_Memory(t *testing.T) {
	e := throttled(t, nil)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/login", "").Code)
	}
	rec := serve(e, http.MethodGet, "/login", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestThrottle_ForwardedForDoesNotPickTheBucket(t *testing.T) {
	e := throttled(t, nil)
	e.IPExtractor = echo.ExtractIPDirect()

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/login", nil)
		req.Header.Set(echo.HeaderXForwardedFor, fmt.Sprintf("10.0.0.%d", i+1))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestThrottle_Redis(t *testing.T) {
	mini := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := throttled(t, rdb)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/login", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(e, http.MethodGet, "/login", "").Code)
	assert.True(t, mini.Exists("test:throttle:192.0.2.1"))

	// a broken backend does not block logins
	mini.Close()
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/login", "").Code)
}

func TestThrottle_Disabled(t *testing.T) {
	e := echo.New()
	e.GET("/login", ok, Throttle(config.ThrottleConfig{Enabled: false}, nil, "test", zerolog.Nop()))
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/login", "").Code)
	}
}

func TestMemoryBuckets_DropIdle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newMemoryBuckets(config.ThrottleConfig{Rate: 1, Burst: 1, TTL: time.Minute}, func() time.Time { return now })

	allowed, _, _ := m.allow(nil, "a")
	assert.True(t, allowed)
	allowed, retry, _ := m.allow(nil, "a")
	assert.False(t, allowed)
	assert.Equal(t, time.Second, retry)

	now = now.Add(5 * time.Minute)
	_, _, _ = m.allow(nil, "b")
	assert.NotContains(t, m.buckets, "a")
}

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(_ context.Context, raw string) (*utils.Claims, error) {
	switch raw {
	case "good":
		c := &utils.Claims{Scopes: []string{"reports:read"}}
		c.Subject = "p1"
		return c, nil
	case "old":
		return nil, &utils.InvalidTokenError{Reason: utils.ReasonExpired}
	}
	return nil, &utils.InvalidTokenError{Reason: utils.ReasonSignature}
}

type fakeChecker struct {
	allow map[string]bool
	err   error
}

func (f fakeChecker) CheckPermission(_ context.Context, id, _ string) (authz.Decision, error) {
	if f.err != nil {
		return authz.Denied, f.err
	}
	if f.allow[id] {
		return authz.Allowed, nil
	}
	return authz.Denied, nil
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", func(c echo.Context) error {
		return c.String(http.StatusOK, UserID(c)+" "+RawToken(c)+" "+ClaimsFrom(c).Scopes[0])
	}, JWTAuth(fakeAuthenticator{}))

	rec := serve(e, http.MethodGet, "/me", "good")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p1 good reports:read", rec.Body.String())

	rec = serve(e, http.MethodGet, "/me", "old")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")

	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/me", "forged").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/me", "").Code)
}

func TestRequireScope(t *testing.T) {
	e := echo.New()
	e.GET("/reports", ok, JWTAuth(fakeAuthenticator{}), RequireScope("users:admin", "reports:read"))
	e.GET("/admin", ok, JWTAuth(fakeAuthenticator{}), RequireScope("users:admin"))

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/reports", "good").Code)
	assert.Equal(t, http.StatusForbidden, serve(e, http.MethodGet, "/admin", "good").Code)
}

func TestRequirePermission(t *testing.T) {
	newEcho := func(pc PermissionChecker) *echo.Echo {
		e := echo.New()
		e.GET("/admin", ok, JWTAuth(fakeAuthenticator{}), RequirePermission(pc, "users:admin", zerolog.Nop()))
		return e
	}

	assert.Equal(t, http.StatusOK, serve(newEcho(fakeChecker{allow: map[string]bool{"p1": true}}), http.MethodGet, "/admin", "good").Code)
	assert.Equal(t, http.StatusForbidden, serve(newEcho(fakeChecker{}), http.MethodGet, "/admin", "good").Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		serve(newEcho(fakeChecker{err: errors.New("db down")}), http.MethodGet, "/admin", "good").Code)
}

func TestInstrument(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(Instrument(m))
	e.GET("/users/:id", ok)

	serve(e, http.MethodGet, "/users/42", "")
	serve(e, http.MethodGet, "/missing", "")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `http_requests_total{method="GET",path="/users/:id",status="200"} 1`)
	assert.Contains(t, body, `status="404"`)
}
