package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/auth-service/internal/utils"
)

// Expected outcomes of the engine. Callers match them with errors.Is and
// errors.As; nothing here is an internal failure.
var (
	// ErrInvalidCredentials covers both an unknown identifier and a wrong
	// secret so that callers cannot tell them apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrAccountUnverified  = errors.New("account not verified")
	ErrReuseDetected      = errors.New("refresh token reuse detected")
	ErrTokenExpired       = errors.New("token expired")

	ErrInvalidIdentifier   = errors.New("identifier must be an email address")
	ErrWeakPassword        = errors.New("password does not meet the length requirements")
	ErrIdentifierTaken     = errors.New("identifier already registered")
	ErrInvalidOneTimeToken = errors.New("invalid or expired token")
	ErrInvalidStatus       = errors.New("unknown account status")
	ErrPrincipalNotFound   = errors.New("principal not found")
	ErrUnknownRole         = errors.New("unknown role")
)

// LockedError is returned while a lockout is in force. RetryAfter is zero
// for an administrative lock that has no expiry.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	if e.RetryAfter <= 0 {
		return "account locked"
	}
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

// InfraError wraps a store or signing failure. It is always retryable and
// must never be reported to a client as an authentication failure.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *InfraError) Unwrap() error { return e.Err }

// Temporary marks the error as retryable.
func (e *InfraError) Temporary() bool { return true }

func infra(op string, err error) error { return &InfraError{Op: op, Err: err} }

// IsInfra reports whether err is (or wraps) an *InfraError.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

func revokedToken() error {
	return &utils.InvalidTokenError{Reason: utils.ReasonRevoked}
}
