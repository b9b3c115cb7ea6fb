package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	"github.com/classpulse/identity-engine/internal/remote"
)

// Sentinel errors for the registrar; messages are user-facing.
var (
	ErrEmailExists      = errors.New("An account with this email already exists")
	ErrRollNumberExists = errors.New("An account with this roll number already exists")
	ErrPasswordMismatch = errors.New("An account with this email already exists, but the password does not match")
)

// ProvisioningError reports an account that was created in the identity
// store but whose profile row could not be inserted even after a retry.
// Re-running sign-up with the same credentials lands in orphan recovery and
// completes the provisioning.
type ProvisioningError struct {
	UserID string
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("account %s provisioned without profile: %v", e.UserID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// SignUpInput is the raw sign-up form data. Email and RollNumber are
// normalized by the registrar before any check.
type SignUpInput struct {
	Email      string
	Password   string
	Name       string
	RollNumber string
	Role       profiledomain.Role
}

// signUpState names the registrar's state machine states so every branch is
// independently testable.
type signUpState int

const (
	stateChecking signUpState = iota
	stateCreating
	stateRecoveringOrphan
	stateDone
	stateFailed
)

// IdentityRegistrar orchestrates account creation: uniqueness checks first,
// then remote creation, with recovery for orphaned identities (an account
// that exists in the identity store without a profile row, typically from an
// interrupted prior sign-up).
type IdentityRegistrar struct {
	auth     Authenticator
	profiles ProfileStore
	now      func() time.Time
}

// NewIdentityRegistrar returns a registrar using the given remote surfaces.
func NewIdentityRegistrar(auth Authenticator, profiles ProfileStore) *IdentityRegistrar {
	return &IdentityRegistrar{auth: auth, profiles: profiles, now: time.Now}
}

// SignUp runs the full registration state machine. A missing session after
// creation (verification pending) is not an error; sign-up is complete once
// the profile row exists.
func (r *IdentityRegistrar) SignUp(ctx context.Context, in SignUpInput) error {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.RollNumber = strings.TrimSpace(in.RollNumber)

	st := stateChecking
	var err error
	for {
		switch st {
		case stateChecking:
			st, err = r.check(ctx, in)
		case stateCreating:
			st, err = r.create(ctx, in)
		case stateRecoveringOrphan:
			st, err = r.recoverOrphan(ctx, in)
		case stateDone:
			return nil
		case stateFailed:
			return err
		}
	}
}

// check rejects sign-up when a profile already exists for the normalized
// email or roll number, without calling remote account creation. A blank roll
// number is never checked: the store permits any number of profiles without
// one, and an empty filter would count every row.
func (r *IdentityRegistrar) check(ctx context.Context, in SignUpInput) (signUpState, error) {
	n, err := r.profiles.CountProfiles(ctx, remote.ProfileFilter{Email: in.Email})
	if err != nil {
		return stateFailed, err
	}
	if n > 0 {
		return stateFailed, ErrEmailExists
	}
	if in.RollNumber != "" {
		n, err = r.profiles.CountProfiles(ctx, remote.ProfileFilter{RollNumber: in.RollNumber})
		if err != nil {
			return stateFailed, err
		}
		if n > 0 {
			return stateFailed, ErrRollNumberExists
		}
	}
	return stateCreating, nil
}

// create attempts remote account creation. A duplicate report, or a created
// user with zero identity bindings (the service's existing-but-unconfirmed
// signal), routes to orphan recovery.
func (r *IdentityRegistrar) create(ctx context.Context, in SignUpInput) (signUpState, error) {
	res, err := r.auth.SignUp(ctx, in.Email, in.Password, remote.SignUpMetadata{
		Name:       in.Name,
		RollNumber: in.RollNumber,
		Role:       in.Role,
	})
	if errors.Is(err, remote.ErrDuplicateIdentity) {
		return stateRecoveringOrphan, nil
	}
	if err != nil {
		return stateFailed, err
	}
	if res.IdentityCount == 0 {
		return stateRecoveringOrphan, nil
	}
	if err := r.insertProfile(ctx, res.UserID, in); err != nil {
		return stateFailed, err
	}
	return stateDone, nil
}

// recoverOrphan signs in with the supplied credentials to adopt an existing
// account: wrong password fails without mutation; otherwise the profile row
// is created if missing. An insert conflict means a concurrent recovery won
// the race and is treated as success.
func (r *IdentityRegistrar) recoverOrphan(ctx context.Context, in SignUpInput) (signUpState, error) {
	sess, err := r.auth.SignIn(ctx, in.Email, in.Password)
	if errors.Is(err, remote.ErrInvalidCredentials) || errors.Is(err, remote.ErrUnauthorized) {
		return stateFailed, ErrPasswordMismatch
	}
	if err != nil {
		return stateFailed, err
	}

	existing, err := r.profiles.Profile(ctx, sess.UserID)
	if err == nil && existing != nil {
		return stateDone, nil
	}
	if err != nil && !errors.Is(err, remote.ErrProfileNotFound) {
		return stateFailed, err
	}

	err = r.profiles.InsertProfile(ctx, r.buildProfile(sess.UserID, in))
	if errors.Is(err, remote.ErrDuplicateIdentity) {
		return stateDone, nil
	}
	if err != nil {
		return stateFailed, err
	}
	return stateDone, nil
}

// insertProfile creates the profile row for a freshly created account,
// retrying once before reporting the account as partially provisioned.
func (r *IdentityRegistrar) insertProfile(ctx context.Context, userID string, in SignUpInput) error {
	p := r.buildProfile(userID, in)
	err := r.profiles.InsertProfile(ctx, p)
	if errors.Is(err, remote.ErrDuplicateIdentity) {
		return nil
	}
	if err == nil {
		return nil
	}
	err = r.profiles.InsertProfile(ctx, p)
	if errors.Is(err, remote.ErrDuplicateIdentity) || err == nil {
		return nil
	}
	return &ProvisioningError{UserID: userID, Err: err}
}

func (r *IdentityRegistrar) buildProfile(userID string, in SignUpInput) *profiledomain.Profile {
	return &profiledomain.Profile{
		ID:         userID,
		Email:      in.Email,
		Name:       strings.TrimSpace(in.Name),
		RollNumber: in.RollNumber,
		Role:       in.Role,
		CreatedAt:  r.now().UTC(),
	}
}
