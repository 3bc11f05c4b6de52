package model

import "time"

// RefreshRecord is one link of a refresh token rotation chain. Records are
// append-only: once RotatedTo or Revoked is set the record is never changed
// again. Links between records are by identifier only.
type RefreshRecord struct {
	ID            string    `json:"id"`
	ChainID       string    `json:"chain_id"`
	PrincipalID   string    `json:"principal_id"`
	Scopes        []string  `json:"scopes,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	RotatedTo     string    `json:"rotated_to,omitempty"`
	Revoked       bool      `json:"revoked,omitempty"`
	RevokedReason string    `json:"revoked_reason,omitempty"`
}

// Current reports whether the record is the live head of its chain at t.
func (r RefreshRecord) Current(t time.Time) bool {
	return r.RotatedTo == "" && !r.Revoked && t.Before(r.ExpiresAt)
}

// Chain tracks chain-wide state so that revoking every descendant is a
// single conditional write. ID equals the ID of the chain's first record.
type Chain struct {
	ID            string    `json:"id"`
	PrincipalID   string    `json:"principal_id"`
	Revoked       bool      `json:"revoked,omitempty"`
	RevokedReason string    `json:"revoked_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AttemptState is the per-key failure counter of the lockout tracker.
type AttemptState struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

// TokenPair is what a successful login or refresh hands back to the caller.
type TokenPair struct {
	PrincipalID      string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	Scopes           []string
}
