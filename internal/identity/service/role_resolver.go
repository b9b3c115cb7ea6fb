package service

import (
	"context"

	"github.com/classpulse/identity-engine/internal/cache"
	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

// RoleResolver derives dual-role eligibility and owns the persisted
// active-role selection. Derivation is pure; the only reactive side effect
// is clearing the selection when a profile mutation flips the admin flag,
// which invalidates the previous choice in either direction.
type RoleResolver struct {
	store cache.Store
}

// NewRoleResolver returns a resolver persisting selections to store.
func NewRoleResolver(store cache.Store) *RoleResolver {
	return &RoleResolver{store: store}
}

// IsDualRole reports whether p is eligible for both experiences. Recomputed
// on every call; never cached.
func (r *RoleResolver) IsDualRole(p *profiledomain.Profile) bool {
	return p.IsDualRole()
}

// Load returns the persisted selection, or the empty sentinel.
func (r *RoleResolver) Load(ctx context.Context) sessiondomain.ActiveRole {
	return cache.ReadActiveRole(ctx, r.store)
}

// SetActiveRole writes the selection through to the cache. The empty
// sentinel clears it.
func (r *RoleResolver) SetActiveRole(ctx context.Context, role sessiondomain.ActiveRole) error {
	return cache.WriteActiveRole(ctx, r.store, role)
}

// Reconcile compares the admin flag across a profile mutation and clears the
// persisted selection when it flipped. Returns whether a clear happened.
func (r *RoleResolver) Reconcile(ctx context.Context, prev, next *profiledomain.Profile) bool {
	if prev == nil || next == nil {
		return false
	}
	if prev.IsAdmin == next.IsAdmin {
		return false
	}
	_ = cache.WriteActiveRole(ctx, r.store, sessiondomain.ActiveRoleNone)
	return true
}
