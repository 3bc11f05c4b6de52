// Package repository defines the credential store used by the auth engine
// and its MySQL and in-memory implementations. The sentinel errors below
// let higher layers tell a missing record from an infrastructure failure:
// anything that is not one of them is treated as the store being
// unavailable.
package repository

import "errors"

// ErrNotFound is returned when no principal (or role) matches the lookup.
// The engine maps it to a generic "invalid credentials" answer on login.
var ErrNotFound = errors.New("not found")

// ErrIdentifierExists is returned by CreatePrincipal when the normalized
// identifier is already taken. Handlers translate it into HTTP 409.
var ErrIdentifierExists = errors.New("identifier already exists")

// ErrUnknownRole is returned by SetRoles when a role id does not exist.
var ErrUnknownRole = errors.New("unknown role")
