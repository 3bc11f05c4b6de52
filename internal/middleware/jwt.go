package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"context"  // Authenticator receives the request context
	"net/http" // HTTP status codes for responses
	"strings"  // string utilities for prefix checking and trimming

	"github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

	"github.com/iliyamo/auth-service/internal/utils"
)

// Context keys set by JWTAuth.
const (
	KeyUserID = "user_id"
	KeyClaims = "claims"
	KeyToken  = "access_token"
)

// Authenticator verifies an access token. *auth.Engine satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*utils.Claims, error)
}

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// stores its subject, claims and raw form in the request context. Signature,
// expiry, issuer and token type are checked by the Authenticator; refresh
// tokens are rejected here.
func JWTAuth(a Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// A valid header starts with "Bearer " followed by the JWT.
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

			claims, err := a.Authenticate(c.Request().Context(), raw)
			if err != nil {
				if utils.IsExpired(err) {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token expired"})
				}
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			c.Set(KeyUserID, claims.Subject)
			c.Set(KeyClaims, claims)
			c.Set(KeyToken, raw)
			return next(c)
		}
	}
}

// UserID returns the authenticated subject, or "" outside JWTAuth.
func UserID(c echo.Context) string {
	s, _ := c.Get(KeyUserID).(string)
	return s
}

// ClaimsFrom returns the verified claims, or nil outside JWTAuth.
func ClaimsFrom(c echo.Context) *utils.Claims {
	cl, _ := c.Get(KeyClaims).(*utils.Claims)
	return cl
}

// RawToken returns the bearer token JWTAuth accepted.
func RawToken(c echo.Context) string {
	s, _ := c.Get(KeyToken).(string)
	return s
}
