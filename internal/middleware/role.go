package middleware // middleware provides shared request processing for handlers

import (
	"context"
	"net/http" // http package defines standard HTTP status codes

	"github.com/labstack/echo/v4" // echo provides middleware chaining and context
	"github.com/rs/zerolog"

	"github.com/iliyamo/auth-service/internal/authz"
)

// RequireScope returns a middleware that lets the request through when the
// access token carries at least one of scopes. It only looks at the token,
// so it must run after JWTAuth.
func RequireScope(scopes ...string) echo.MiddlewareFunc {
	ev := authz.NewEvaluator()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := ClaimsFrom(c)
			for _, s := range scopes {
				if ev.Decide(claims, s) == authz.Allowed {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
	}
}

// PermissionChecker evaluates a permission against a principal's current
// roles. *auth.Engine satisfies it.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, principalID, permission string) (authz.Decision, error)
}

// RequirePermission is RequireScope for sensitive routes: the permission is
// checked against the principal's live roles, so a role taken away or an
// account disabled takes effect before the access token expires.
func RequirePermission(pc PermissionChecker, permission string, log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := UserID(c)
			if id == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing token"})
			}
			dec, err := pc.CheckPermission(c.Request().Context(), id, permission)
			if err != nil {
				log.Error().Err(err).Str("permission", permission).Msg("permission check failed")
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily unavailable"})
			}
			if dec != authz.Allowed {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
