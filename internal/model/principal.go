package model

import "time"

// Status is the account state stored on a principal. Only StatusActive may
// obtain tokens; the other values gate login after the password matched.
type Status string

const (
	StatusActive     Status = "active"
	StatusLocked     Status = "locked"     // administrative lock, no expiry
	StatusUnverified Status = "unverified" // email not confirmed yet
	StatusDisabled   Status = "disabled"   // soft delete / deactivation
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusLocked, StatusUnverified, StatusDisabled:
		return true
	}
	return false
}

// Principal represents an identity record as stored in the `principals`
// table together with its role assignments and explicit grants.
//
// Fields:
//
//	ID                      – stable identifier (ULID).
//	Identifier              – normalized login identifier (email).
//	CredentialHash          – password digest produced by the configured hasher.
//	RoleIDs                 – roles assigned to the principal (principal_roles).
//	Grants                  – explicit permissions added on top of the roles (principal_grants).
//	VerificationFingerprint – SHA-256 of the pending email verification token.
//	ResetFingerprint        – SHA-256 of the pending password reset token.
//	LastLoginAt             – last successful login, nil when never logged in.
type Principal struct {
	ID                      string
	Identifier              string
	FullName                string
	CredentialHash          string
	RoleIDs                 []string
	Grants                  []string
	Status                  Status
	IsSuperuser             bool
	VerificationFingerprint string
	VerificationExpiresAt   time.Time
	ResetFingerprint        string
	ResetExpiresAt          time.Time
	LastLoginAt             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// ProfileUpdate lists the profile fields to change. Nil fields are left
// as they are.
type ProfileUpdate struct {
	FullName    *string
	Identifier  *string
	IsSuperuser *bool
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.FullName == nil && u.Identifier == nil && u.IsSuperuser == nil
}

// Role is a named, ordered set of permission identifiers. Roles are
// read-mostly and shared between principals.
type Role struct {
	ID          string
	Name        string
	Permissions []string
}
