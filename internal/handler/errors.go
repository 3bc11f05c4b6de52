package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/utils"
)

// writeError maps engine outcomes to HTTP responses. Infrastructure
// failures are checked first so a store outage is never reported as a
// credential problem.
func (h *AuthHandler) writeError(c echo.Context, err error) error {
	return writeError(c, h.Log, err)
}

func writeError(c echo.Context, log zerolog.Logger, err error) error {
	var locked *auth.LockedError
	var invalid *utils.InvalidTokenError

	switch {
	case auth.IsInfra(err):
		log.Error().Err(err).Str("path", c.Path()).Msg("auth backend unavailable")
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily unavailable"})
	case errors.Is(err, auth.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	case errors.As(err, &locked):
		if locked.RetryAfter > 0 {
			secs := int(math.Ceil(locked.RetryAfter.Seconds()))
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
			return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "locked", "retry_after": secs})
		}
		return c.JSON(http.StatusForbidden, echo.Map{"error": "account locked"})
	case errors.Is(err, auth.ErrAccountDisabled):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "account disabled"})
	case errors.Is(err, auth.ErrAccountUnverified):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "account not verified"})
	case errors.Is(err, auth.ErrReuseDetected):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "reuse_detected"})
	case errors.Is(err, auth.ErrTokenExpired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token expired"})
	case errors.As(err, &invalid):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token", "reason": invalid.Reason})
	case errors.Is(err, auth.ErrInvalidIdentifier),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidStatus),
		errors.Is(err, auth.ErrUnknownRole):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidOneTimeToken):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid or expired token"})
	case errors.Is(err, auth.ErrIdentifierTaken):
		return c.JSON(http.StatusConflict, echo.Map{"error": "email already registered"})
	case errors.Is(err, auth.ErrPrincipalNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
