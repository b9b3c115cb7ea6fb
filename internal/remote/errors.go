// Package remote defines the types and error taxonomy shared by the remote
// identity service adapters. The engine decides recovery policy by error
// identity: network failures fall back to cache, credential and profile
// failures force a logout, everything else is surfaced unchanged.
package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors; adapters map service responses to these and the engine
// matches them with errors.Is.
var (
	// ErrExpiredCredentials means the service rejected the session as
	// expired or invalid. Forces a logout, but only when connectivity is
	// confirmed.
	ErrExpiredCredentials = errors.New("session expired or invalid")

	// ErrProfileNotFound means the identity has no profile row. An identity
	// without a profile is invalid and forces a logout unconditionally.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrUnauthorized means the service refused the credential (401/403).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDuplicateIdentity means the account already exists in the identity
	// store. Never surfaced raw; triggers the registrar's orphan recovery.
	ErrDuplicateIdentity = errors.New("identity already registered")

	// ErrInvalidCredentials means a sign-in was rejected for a bad
	// email/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// NetworkError wraps a transient connectivity-level failure. It never forces
// a logout; the engine falls back to cached state.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// ServiceError is a non-transient failure reported by the remote service
// with a code the adapters did not map to a sentinel. Logged and surfaced
// as-is; causes no state mutation in the engine.
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error %s: %s", e.Code, e.Message)
}
