package repository

import (
	"context"
	"strings"
	"time"

	"github.com/iliyamo/auth-service/internal/model"
)

// CredentialStore is the narrow read/write surface login, refresh and
// authorization need.
type CredentialStore interface {
	GetPrincipalByIdentifier(ctx context.Context, identifier string) (model.Principal, error)
	UpdateCredential(ctx context.Context, id, newHash string) error
	GetRoles(ctx context.Context, principalID string) ([]model.Role, error)
}

// AccountStore adds the account lifecycle operations (registration,
// verification, password reset, status changes).
type AccountStore interface {
	CredentialStore
	GetPrincipal(ctx context.Context, id string) (model.Principal, error)
	CreatePrincipal(ctx context.Context, p model.Principal) error
	SetStatus(ctx context.Context, id string, status model.Status) error
	SetVerification(ctx context.Context, id, fingerprint string, expiresAt time.Time) error
	GetByVerificationFingerprint(ctx context.Context, fingerprint string) (model.Principal, error)
	// MarkVerified and ClearReset consume a one-time token. They only
	// succeed while the stored fingerprint still matches and return
	// ErrNotFound otherwise, so a token is spent exactly once.
	MarkVerified(ctx context.Context, id, fingerprint string) error
	SetReset(ctx context.Context, id, fingerprint string, expiresAt time.Time) error
	GetByResetFingerprint(ctx context.Context, fingerprint string) (model.Principal, error)
	ClearReset(ctx context.Context, id, fingerprint string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error

	ListPrincipals(ctx context.Context, page Page) ([]model.Principal, int, error)
	UpdateProfile(ctx context.Context, id string, upd model.ProfileUpdate) error
	// SetRoles replaces the principal's role assignments. Unknown role ids
	// fail with ErrUnknownRole and leave the assignments untouched.
	SetRoles(ctx context.Context, id string, roleIDs []string) error
}

// Page selects a slice of principals ordered by creation time.
type Page struct {
	Offset int
	Limit  int
}

// DefaultPageLimit and MaxPageLimit bound Page.Limit.
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// Normalized clamps the page into the allowed range.
func (p Page) Normalized() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// NormalizeIdentifier trims and lower-cases an email style identifier.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
