// Package cache provides the local persistent key/value store the engine
// uses to survive restarts and offline periods. Contents are untrusted on
// read: a missing or corrupt entry degrades to "no cached value" and never
// fails the caller's flow.
package cache

import (
	"context"
	"encoding/json"

	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

// Cache keys owned by the engine.
const (
	KeyProfile    = "profile"
	KeyActiveRole = "activeRole"
	KeySession    = "session"
)

// Store is a persistent string key/value store. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the value for key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ReadProfile returns the cached profile snapshot, or nil if none is cached
// or the entry does not parse as a complete profile.
func ReadProfile(ctx context.Context, s Store) *profiledomain.Profile {
	raw, ok, err := s.Get(ctx, KeyProfile)
	if err != nil || !ok {
		return nil
	}
	var p profiledomain.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil
	}
	if p.ID == "" {
		return nil
	}
	return &p
}

// WriteProfile persists the profile snapshot. A nil profile deletes the entry.
func WriteProfile(ctx context.Context, s Store, p *profiledomain.Profile) error {
	if p == nil {
		return s.Delete(ctx, KeyProfile)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyProfile, string(raw))
}

// ReadActiveRole returns the persisted role selection, or the empty sentinel
// when unset or unparseable.
func ReadActiveRole(ctx context.Context, s Store) sessiondomain.ActiveRole {
	raw, ok, err := s.Get(ctx, KeyActiveRole)
	if err != nil || !ok {
		return sessiondomain.ActiveRoleNone
	}
	role := sessiondomain.ActiveRole(raw)
	if !role.Valid() {
		return sessiondomain.ActiveRoleNone
	}
	return role
}

// WriteActiveRole persists the role selection. The empty sentinel deletes
// the entry.
func WriteActiveRole(ctx context.Context, s Store, role sessiondomain.ActiveRole) error {
	if role == sessiondomain.ActiveRoleNone {
		return s.Delete(ctx, KeyActiveRole)
	}
	return s.Set(ctx, KeyActiveRole, string(role))
}

// Clear removes every engine-owned entry. Used by forced logout; errors from
// individual deletes are collected into the first non-nil one so the caller
// can log it, but the remaining keys are still attempted.
func Clear(ctx context.Context, s Store) error {
	var first error
	for _, key := range []string{KeyProfile, KeyActiveRole, KeySession} {
		if err := s.Delete(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}
