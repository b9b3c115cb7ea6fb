package remote

import (
	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

// SignUpMetadata is the profile seed attached to account creation.
type SignUpMetadata struct {
	Name       string             `json:"name"`
	RollNumber string             `json:"roll_number"`
	Role       profiledomain.Role `json:"role"`
}

// SignUpResult is the outcome of account creation. Session may be nil when
// the service defers it (e.g. email verification pending); that is not an
// error. IdentityCount is the number of identity bindings on the returned
// account; zero on an "existing" account is the service's signal that a
// prior sign-up was interrupted before confirmation (an orphaned identity).
type SignUpResult struct {
	UserID        string
	Session       *sessiondomain.Session
	IdentityCount int
}

// ProfileFilter selects profiles for a count query. Empty fields are not
// matched on.
type ProfileFilter struct {
	Email      string
	RollNumber string
}

// Subscription is a handle to an active change-feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// ProfilePatch is a partial profile update applied remotely. Nil fields are
// left untouched. The engine never merges a patch into its cached snapshot;
// it re-fetches the full row after a successful update.
type ProfilePatch struct {
	Name          *string
	ActiveClassID *string
	SetupComplete *bool
}
