// Package queue defines security event payloads exchanged over the message
// broker, the publisher used by the auth engine and the background consumer
// that writes them to the audit log.
package queue

import "time"

// EventType names a security or account event.
type EventType string

const (
	EventLockout               EventType = "auth.lockout"
	EventReuseDetected         EventType = "auth.reuse_detected"
	EventRegistered            EventType = "account.registered"
	EventVerificationRequested EventType = "account.verification_requested"
	EventPasswordResetRequest  EventType = "account.password_reset_requested"
	EventPasswordChanged       EventType = "account.password_changed"
	EventStatusChanged         EventType = "account.status_changed"
	EventProfileUpdated        EventType = "account.profile_updated"
	EventRolesChanged          EventType = "account.roles_changed"
)

// Event is published whenever something a downstream system must react to
// happens: an email to send, an alert to raise. Token is only set on
// verification and reset events and carries the raw one-time token the
// mailer embeds in its link.
type Event struct {
	Type        EventType         `json:"type"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Identifier  string            `json:"identifier,omitempty"`
	RemoteAddr  string            `json:"remote_addr,omitempty"`
	Token       string            `json:"token,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}
