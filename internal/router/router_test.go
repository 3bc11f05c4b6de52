package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/handler"
	"github.com/iliyamo/auth-service/internal/kv"
	"github.com/iliyamo/auth-service/internal/limiter"
	"github.com/iliyamo/auth-service/internal/metrics"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/session"
	"github.com/iliyamo/auth-service/internal/utils"
)

const secret = "correct horse battery"

type server struct {
	e      *echo.Echo
	engine *auth.Engine
}

func newServer(t *testing.T, ready map[string]handler.Pinger) *server {
	t.Helper()
	return newServerBehind(t, ready, nil)
}

// newServerBehind builds the server as if deployed behind the given proxies.
func newServerBehind(t *testing.T, ready map[string]handler.Pinger, proxies []*net.IPNet) *server {
	t.Helper()
	mem := repository.NewMemoryStore()
	mem.PutRole(model.Role{ID: "user", Name: "user", Permissions: []string{"profile:read"}})
	mem.PutRole(model.Role{ID: "admin", Name: "admin", Permissions: []string{AdminPermission, "profile:read"}})
	store := kv.NewMemoryStore()

	keys, err := utils.NewKeySet(utils.HMACKey("k1", []byte(strings.Repeat("r", 32))))
	require.NoError(t, err)
	lim, err := limiter.New(store,
		limiter.Policy{Threshold: 3, Window: time.Minute, Lockout: time.Minute},
		limiter.WithNamespace("ip", limiter.Policy{Threshold: 100, Window: time.Minute, Lockout: time.Minute}))
	require.NoError(t, err)

	m := metrics.New()
	eng, err := auth.New(auth.Deps{
		Store:    mem,
		Hasher:   utils.BcryptHasher{Cost: bcrypt.MinCost},
		Codec:    utils.NewCodec(keys, "auth-test"),
		Limiter:  lim,
		Sessions: session.New(store, time.Hour),
	}, auth.Config{AccessTTL: time.Minute, DefaultRoles: []string{"user"}}, auth.WithMetrics(m))
	require.NoError(t, err)

	e := New(proxies, m)
	passthrough := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	RegisterRoutes(e, ready, m)
	RegisterAuth(e, handler.NewAuthHandler(eng, zerolog.Nop()), passthrough)
	RegisterAdmin(e, handler.NewAdminHandler(eng, zerolog.Nop()))
	return &server{e: e, engine: eng}
}

func (s *server) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	return s.doFrom(t, "", "", method, path, body, token)
}

// doFrom sends the request from peer (host:port) with an optional
// X-Forwarded-For header.
func (s *server) doFrom(t *testing.T, peer, xff, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if peer != "" {
		req.RemoteAddr = peer
	}
	if xff != "" {
		req.Header.Set(echo.HeaderXForwardedFor, xff)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

type tokens struct {
	PrincipalID string `json:"principal_id"`
	Access      struct {
		Token string `json:"token"`
	} `json:"access"`
	Refresh struct {
		Token string `json:"token"`
	} `json:"refresh"`
	Scopes []string `json:"scopes"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *server) register(t *testing.T, email string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": email, "password": secret}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *server) login(t *testing.T, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/v1/auth/login", echo.Map{"email": email, "password": password}, "")
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, map[string]handler.Pinger{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rec := s.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "connection refused", decode[map[string]string](t, rec)["redis"])

	s.register(t, "a@example.com")
	require.Equal(t, http.StatusOK, s.login(t, "a@example.com", secret).Code)
	rec = s.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `auth_login_total{outcome="success"} 1`)
}

func TestSessionLifecycle(t *testing.T) {
	s := newServer(t, nil)
	s.register(t, "a@example.com")

	rec := s.login(t, "A@example.com", secret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[tokens](t, rec)
	assert.Equal(t, []string{"profile:read"}, first.Scopes)

	rec = s.do(t, http.MethodGet, "/v1/me", nil, first.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"a@example.com"`)
	assert.NotContains(t, rec.Body.String(), "$2")

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refresh_token": first.Refresh.Token}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[tokens](t, rec)
	assert.NotEqual(t, first.Refresh.Token, second.Refresh.Token)

	// presenting the rotated token again ends the whole chain
	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refresh_token": first.Refresh.Token}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "reuse_detected", decode[map[string]any](t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refresh_token": second.Refresh.Token}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/logout", echo.Map{"refresh_token": second.Refresh.Token}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code, "logout of a revoked session is idempotent")
}

func TestLoginErrors(t *testing.T) {
	s := newServer(t, nil)
	s.register(t, "a@example.com")

	unknown := s.login(t, "ghost@example.com", secret)
	wrong := s.login(t, "a@example.com", "not the password")
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, unknown.Body.String(), wrong.Body.String())

	rec := s.do(t, http.MethodPost, "/v1/auth/login", echo.Map{"email": "a@example.com"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.login(t, "a@example.com", "not the password")
	rec = s.login(t, "a@example.com", "not the password")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = s.login(t, "a@example.com", secret)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "correct password is refused while locked")
}

func TestRegisterConflictAndValidation(t *testing.T) {
	s := newServer(t, nil)
	s.register(t, "a@example.com")

	rec := s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": "a@example.com", "password": secret}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": "nope", "password": secret}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": "b@example.com", "password": "short"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesNeedAccessToken(t *testing.T) {
	s := newServer(t, nil)
	s.register(t, "a@example.com")
	pair := decode[tokens](t, s.login(t, "a@example.com", secret))

	rec := s.do(t, http.MethodGet, "/v1/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/me", nil, pair.Refresh.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "refresh token is not an access token")
	rec = s.do(t, http.MethodGet, "/v1/me", nil, pair.Access.Token+"x")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorizeEndpoint(t *testing.T) {
	s := newServer(t, nil)
	s.register(t, "a@example.com")
	pair := decode[tokens](t, s.login(t, "a@example.com", secret))

	rec := s.do(t, http.MethodPost, "/v1/authorize", echo.Map{"permission": "profile:read"}, pair.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["allowed"])

	rec = s.do(t, http.MethodPost, "/v1/authorize", echo.Map{"permission": "billing:refund"}, pair.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "denied", decode[map[string]any](t, rec)["decision"])
}

func TestChangePasswordAndLogoutAll(t *testing.T) {
	s := newServer(t, nil)
	s.register(t, "a@example.com")
	pair := decode[tokens](t, s.login(t, "a@example.com", secret))

	rec := s.do(t, http.MethodPost, "/v1/password",
		echo.Map{"current_password": secret, "new_password": "an even better secret"}, pair.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fresh := decode[tokens](t, rec)

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refresh_token": pair.Refresh.Token}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/logout-all", nil, fresh.Access.Token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refresh_token": fresh.Refresh.Token}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newServer(t, nil)
	_, err := s.engine.EnsureSuperuser(context.Background(), "root@example.com", secret)
	require.NoError(t, err)
	s.register(t, "a@example.com")

	user := decode[tokens](t, s.login(t, "a@example.com", secret))
	root := decode[tokens](t, s.login(t, "root@example.com", secret))

	rec := s.do(t, http.MethodPost, "/v1/admin/users/"+user.PrincipalID+"/status",
		echo.Map{"status": "disabled"}, user.Access.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/admin/users/"+user.PrincipalID+"/status",
		echo.Map{"status": "disabled"}, root.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.login(t, "a@example.com", secret)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refresh_token": user.Refresh.Token}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/admin/users/nobody/status", echo.Map{"status": "active"}, root.Access.Token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/admin/users/"+user.PrincipalID+"/status", echo.Map{"status": "banned"}, root.Access.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/admin/unlock", echo.Map{}, root.Access.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/admin/unlock", echo.Map{"email": "a@example.com", "address": "192.0.2.1"}, root.Access.Token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPasswordResetRequestDoesNotEnumerate(t *testing.T) {
	s := newServer(t, nil)
	s.register(t, "a@example.com")

	known := s.do(t, http.MethodPost, "/v1/auth/password-reset/request", echo.Map{"email": "a@example.com"}, "")
	unknown := s.do(t, http.MethodPost, "/v1/auth/password-reset/request", echo.Map{"email": "ghost@example.com"}, "")
	assert.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, known.Code, unknown.Code)

	rec := s.do(t, http.MethodPost, "/v1/auth/password-reset/confirm", echo.Map{"token": "bogus", "password": "whatever long"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func failedLogin(t *testing.T, s *server, i int, peer, xff string) *httptest.ResponseRecorder {
	t.Helper()
	return s.doFrom(t, peer, xff, http.MethodPost, "/v1/auth/login",
		echo.Map{"email": fmt.Sprintf("u%d@example.com", i), "password": "not the password"}, "")
}

func TestAddressLockoutIgnoresForwardedFor(t *testing.T) {
	s := newServer(t, nil)
	const attacker = "203.0.113.9:4711"

	var locked int
	for i := 0; i < 110; i++ {
		xff := fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)
		if failedLogin(t, s, i, attacker, xff).Code == http.StatusTooManyRequests {
			locked++
		}
	}
	assert.Greater(t, locked, 0, "rotating X-Forwarded-For must not reset the address counter")
	assert.Equal(t, http.StatusTooManyRequests, failedLogin(t, s, 999, attacker, "10.9.9.9").Code)

	// Naming the attacker's address in the header does not lock anyone else out.
	rec := failedLogin(t, s, 1000, "198.51.100.20:5000", "203.0.113.9")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForwardedForHonouredFromTrustedProxy(t *testing.T) {
	_, proxy, err := net.ParseCIDR("203.0.113.0/24")
	require.NoError(t, err)
	s := newServerBehind(t, nil, []*net.IPNet{proxy})

	for i := 0; i < 110; i++ {
		client := fmt.Sprintf("198.51.100.%d", i%250+1)
		require.Equal(t, http.StatusUnauthorized, failedLogin(t, s, i, "203.0.113.9:4711", client).Code)
	}

	// A peer outside the trusted range cannot pick its own address.
	for i := 0; i < 110; i++ {
		failedLogin(t, s, 200+i, "192.0.2.50:1000", fmt.Sprintf("198.51.100.%d", i%250+1))
	}
	rec := failedLogin(t, s, 400, "192.0.2.50:1000", "198.51.100.77")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

type userBody struct {
	User struct {
		ID          string   `json:"id"`
		Email       string   `json:"email"`
		FullName    string   `json:"full_name"`
		Status      string   `json:"status"`
		IsSuperuser bool     `json:"is_superuser"`
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	} `json:"user"`
}

func TestUserManagement(t *testing.T) {
	s := newServer(t, nil)
	_, err := s.engine.EnsureSuperuser(context.Background(), "root@example.com", secret)
	require.NoError(t, err)
	s.register(t, "a@example.com")
	root := decode[tokens](t, s.login(t, "root@example.com", secret))
	user := decode[tokens](t, s.login(t, "a@example.com", secret))

	rec := s.do(t, http.MethodGet, "/v1/admin/users", nil, user.Access.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/admin/users?skip=0&limit=1", nil, root.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[struct {
		Users []json.RawMessage `json:"users"`
		Total int               `json:"total"`
		Limit int               `json:"limit"`
	}](t, rec)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Users, 1)
	assert.Equal(t, 1, list.Limit)
	assert.NotContains(t, rec.Body.String(), "$2")

	rec = s.do(t, http.MethodGet, "/v1/admin/users?limit=abc", nil, root.Access.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/admin/users", echo.Map{
		"email": "b@example.com", "password": secret, "full_name": "Bea", "email_verified": true,
	}, root.Access.Token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[userBody](t, rec).User
	assert.Equal(t, "active", created.Status)
	rec = s.do(t, http.MethodPost, "/v1/admin/users", echo.Map{"email": "b@example.com", "password": secret}, root.Access.Token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/admin/users/"+created.ID, nil, root.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bea", decode[userBody](t, rec).User.FullName)
	rec = s.do(t, http.MethodGet, "/v1/admin/users/nobody", nil, root.Access.Token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/admin/users/"+created.ID,
		echo.Map{"email": "bea@example.com", "password": "a replacement secret"}, root.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "bea@example.com", decode[userBody](t, rec).User.Email)
	assert.Equal(t, http.StatusOK, s.login(t, "bea@example.com", "a replacement secret").Code)
	rec = s.do(t, http.MethodPut, "/v1/admin/users/"+created.ID, echo.Map{"email": "a@example.com"}, root.Access.Token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Role changes take effect on the next request, without a new token.
	rec = s.do(t, http.MethodPut, "/v1/admin/users/"+user.PrincipalID+"/roles",
		echo.Map{"roles": []string{"user", "admin"}}, root.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"user", "admin"}, decode[userBody](t, rec).User.Roles)
	rec = s.do(t, http.MethodGet, "/v1/admin/users", nil, user.Access.Token)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPut, "/v1/admin/users/"+user.PrincipalID+"/roles",
		echo.Map{"roles": []string{"wizard"}}, root.Access.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/admin/users/"+created.ID, nil, root.Access.Token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusForbidden, s.login(t, "bea@example.com", "a replacement secret").Code)
	rec = s.do(t, http.MethodGet, "/v1/admin/users/"+created.ID, nil, root.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code, "disabled accounts are kept")
	assert.Equal(t, "disabled", decode[userBody](t, rec).User.Status)
}

func TestUpdateMe(t *testing.T) {
	s := newServer(t, nil)
	s.register(t, "a@example.com")
	s.register(t, "b@example.com")
	pair := decode[tokens](t, s.login(t, "a@example.com", secret))

	rec := s.do(t, http.MethodPut, "/v1/me", echo.Map{"full_name": "Ann", "email": "ann@example.com"}, pair.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decode[userBody](t, rec).User
	assert.Equal(t, "Ann", me.FullName)
	assert.Equal(t, "ann@example.com", me.Email)
	assert.Equal(t, http.StatusOK, s.login(t, "ann@example.com", secret).Code)

	rec = s.do(t, http.MethodPut, "/v1/me", echo.Map{"email": "b@example.com"}, pair.Access.Token)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodPut, "/v1/me", echo.Map{"email": "nope"}, pair.Access.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPut, "/v1/me", echo.Map{"password": "a brand new secret"}, pair.Access.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPut, "/v1/me", echo.Map{"is_superuser": true}, pair.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[userBody](t, rec).User.IsSuperuser)
}
