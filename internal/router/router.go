package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/auth-service/internal/handler"    // HTTP handlers over the auth engine
	"github.com/iliyamo/auth-service/internal/metrics"    // Prometheus registry for /metrics
	"github.com/iliyamo/auth-service/internal/middleware" // JWT authentication, permission checks and throttling
)

// AdminPermission guards the /v1/admin routes.
const AdminPermission = "users:admin"

// RegisterRoutes registers routes that do not require authentication:
// liveness, readiness and the metrics scrape endpoint.
func RegisterRoutes(e *echo.Echo, ready map[string]handler.Pinger, m *metrics.Metrics) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(ready))
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
}

// RegisterAuth registers all authentication‑related routes and applies the
// necessary middleware. Unauthenticated operations live under /v1/auth and
// pass through the throttle, while protected endpoints live under /v1.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, throttle echo.MiddlewareFunc) {
	// Operations that do not require an existing session.
	g := e.Group("/v1/auth", throttle)
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	// Refresh rotates the refresh token; the old one is spent.
	g.POST("/refresh", a.Refresh)
	// Logout takes the refresh token in the body, no access token needed.
	g.POST("/logout", a.Logout)
	g.POST("/verify-email", a.VerifyEmail)
	g.POST("/verify-email/request", a.VerifyEmailRequest)
	g.POST("/password-reset/request", a.PasswordResetRequest)
	g.POST("/password-reset/confirm", a.PasswordResetConfirm)

	// Routes that require a valid access token.
	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(a.Engine))
	auth.GET("/me", a.Me)
	auth.PUT("/me", a.UpdateMe)
	auth.POST("/password", a.ChangePassword)
	auth.POST("/logout-all", a.LogoutAll)
	auth.POST("/authorize", a.Authorize)
}

// RegisterAdmin registers account administration. The permission is
// checked against live roles on every request.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler) {
	g := e.Group("/v1/admin")
	g.Use(middleware.JWTAuth(h.Engine))
	g.Use(middleware.RequirePermission(h.Engine, AdminPermission, h.Log))
	g.GET("/users", h.ListUsers)
	g.POST("/users", h.CreateUser)
	g.GET("/users/:id", h.GetUser)
	g.PUT("/users/:id", h.UpdateUser)
	// Accounts are disabled, never removed.
	g.DELETE("/users/:id", h.DeleteUser)
	g.PUT("/users/:id/roles", h.SetRoles)
	g.POST("/users/:id/status", h.SetStatus)
	g.POST("/unlock", h.Unlock)
}
