package domain

import "time"

// Session is a live authenticated connection to the remote identity service:
// an opaque credential pair plus the expiry reported for the access token.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session's access credential has expired at the
// given instant. A zero ExpiresAt means no expiry is known and reports false.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return now.After(s.ExpiresAt)
}

// Clone returns a copy, nil-safe.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// ActiveRole is the experience a dual-role account has selected. Empty means
// no selection has been made (or the account is not dual-role).
type ActiveRole string

const (
	ActiveRoleNone    ActiveRole = ""
	ActiveRoleStudent ActiveRole = "student"
	ActiveRoleAdmin   ActiveRole = "admin"
)

// Valid reports whether r is a selectable role (not the empty sentinel).
func (r ActiveRole) Valid() bool {
	return r == ActiveRoleStudent || r == ActiveRoleAdmin
}

// EventKind tags an AuthEvent.
type EventKind string

const (
	EventSignedIn           EventKind = "SIGNED_IN"
	EventSignedOut          EventKind = "SIGNED_OUT"
	EventTokenRefreshed     EventKind = "TOKEN_REFRESHED"
	EventTokenRefreshFailed EventKind = "TOKEN_REFRESH_FAILED"
	EventSessionRestored    EventKind = "SESSION_RESTORED"
)

// AuthEvent is a push notification from the remote identity service about a
// change in its own authentication state. Session is nil for events that
// carry no live session (sign-out, refresh failure).
type AuthEvent struct {
	Kind    EventKind
	Session *Session
}
