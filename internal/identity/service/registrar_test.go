package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	"github.com/classpulse/identity-engine/internal/remote"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

// regBackend simulates the remote identity store for registrar tests: an
// account table keyed by email and a profile table keyed by user id, both
// with uniqueness enforced under one mutex so concurrent sign-ups race the
// way they do against the real service.
type regBackend struct {
	mu         sync.Mutex
	passwords  map[string]string // email -> password
	userIDs    map[string]string // email -> user id
	profiles   map[string]*profiledomain.Profile
	nextID     int
	insertErrs []error // popped per InsertProfile call, nil entries succeed
	events     chan sessiondomain.AuthEvent

	// reportZeroIdentities makes SignUp on an existing email return a result
	// with zero identity bindings instead of a duplicate error, mirroring
	// services that mask duplicates behind an unconfirmed user object.
	reportZeroIdentities bool
}

func newRegBackend() *regBackend {
	return &regBackend{
		passwords: make(map[string]string),
		userIDs:   make(map[string]string),
		profiles:  make(map[string]*profiledomain.Profile),
		events:    make(chan sessiondomain.AuthEvent, 8),
	}
}

func (b *regBackend) SignUp(ctx context.Context, email, password string, meta remote.SignUpMetadata) (*remote.SignUpResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.passwords[email]; exists {
		if b.reportZeroIdentities {
			return &remote.SignUpResult{UserID: b.userIDs[email], IdentityCount: 0}, nil
		}
		return nil, remote.ErrDuplicateIdentity
	}
	b.nextID++
	id := "acct-" + strconv.Itoa(b.nextID)
	b.passwords[email] = password
	b.userIDs[email] = id
	return &remote.SignUpResult{
		UserID:        id,
		Session:       &sessiondomain.Session{AccessToken: "t-" + id, UserID: id},
		IdentityCount: 1,
	}, nil
}

func (b *regBackend) SignIn(ctx context.Context, email, password string) (*sessiondomain.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, ok := b.passwords[email]
	if !ok || stored != password {
		return nil, remote.ErrInvalidCredentials
	}
	id := b.userIDs[email]
	return &sessiondomain.Session{AccessToken: "t-" + id, UserID: id}, nil
}

func (b *regBackend) SignOut(ctx context.Context) error { return nil }

func (b *regBackend) CurrentSession(ctx context.Context) (*sessiondomain.Session, error) {
	return nil, nil
}

func (b *regBackend) AuthEvents() <-chan sessiondomain.AuthEvent { return b.events }

func (b *regBackend) Profile(ctx context.Context, id string) (*profiledomain.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[id]
	if !ok {
		return nil, remote.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (b *regBackend) CountProfiles(ctx context.Context, filter remote.ProfileFilter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.profiles {
		switch {
		case filter.Email != "":
			if p.Email == filter.Email {
				n++
			}
		case filter.RollNumber != "":
			if p.RollNumber == filter.RollNumber {
				n++
			}
		default:
			// An empty filter counts every row, like the real adapters.
			n++
		}
	}
	return n, nil
}

func (b *regBackend) InsertProfile(ctx context.Context, p *profiledomain.Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.insertErrs) > 0 {
		err := b.insertErrs[0]
		b.insertErrs = b.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, exists := b.profiles[p.ID]; exists {
		return remote.ErrDuplicateIdentity
	}
	b.profiles[p.ID] = p.Clone()
	return nil
}

func (b *regBackend) UpdateProfile(ctx context.Context, id string, patch remote.ProfilePatch) error {
	return nil
}

func (b *regBackend) profileCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.profiles)
}

func (b *regBackend) seedOrphan(email, password string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := "acct-" + strconv.Itoa(b.nextID)
	b.passwords[email] = password
	b.userIDs[email] = id
	return id
}

func signUpInput(email string) SignUpInput {
	return SignUpInput{
		Email:      email,
		Password:   "hunter22",
		Name:       "Pat",
		RollNumber: "42A",
		Role:       profiledomain.RoleStudent,
	}
}

func TestSignUpCreatesAccountAndProfile(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	r := NewIdentityRegistrar(b, b)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	if got := b.profileCount(); got != 1 {
		t.Fatalf("profile rows = %d, want 1", got)
	}
	p, err := b.Profile(ctx, b.userIDs["pat@example.com"])
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Email != "pat@example.com" || p.RollNumber != "42A" || p.Role != profiledomain.RoleStudent {
		t.Errorf("profile = %+v", p)
	}
	if p.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}

func TestSignUpNormalizesEmailAndRollNumber(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	r := NewIdentityRegistrar(b, b)

	in := signUpInput("  Pat@Example.COM ")
	in.RollNumber = " 42A "
	if err := r.SignUp(ctx, in); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	p, err := b.Profile(ctx, b.userIDs["pat@example.com"])
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Email != "pat@example.com" {
		t.Errorf("email = %q, want normalized", p.Email)
	}
	if p.RollNumber != "42A" {
		t.Errorf("roll number = %q, want trimmed", p.RollNumber)
	}
}

func TestSignUpRejectsExistingEmail(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	r := NewIdentityRegistrar(b, b)
	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}

	in := signUpInput("PAT@example.com") // differs only by case
	in.RollNumber = "99Z"
	err := r.SignUp(ctx, in)
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("err = %v, want ErrEmailExists", err)
	}
	if got := err.Error(); got != "An account with this email already exists" {
		t.Errorf("message = %q", got)
	}
	if got := b.profileCount(); got != 1 {
		t.Errorf("profile rows = %d, want 1", got)
	}
	b.mu.Lock()
	accounts := len(b.passwords)
	b.mu.Unlock()
	if accounts != 1 {
		t.Errorf("accounts = %d; remote sign-up attempted despite failed uniqueness check", accounts)
	}
}

func TestSignUpRejectsExistingRollNumber(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	r := NewIdentityRegistrar(b, b)
	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}

	in := signUpInput("other@example.com")
	in.RollNumber = "42A"
	if err := r.SignUp(ctx, in); !errors.Is(err, ErrRollNumberExists) {
		t.Fatalf("err = %v, want ErrRollNumberExists", err)
	}
}

func TestSignUpAllowsBlankRollNumber(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	r := NewIdentityRegistrar(b, b)
	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}

	// Blank roll numbers are permitted any number of times; the uniqueness
	// check must not run an empty filter, which would count every row.
	in := signUpInput("kim@example.com")
	in.RollNumber = "  "
	if err := r.SignUp(ctx, in); err != nil {
		t.Fatalf("SignUp with blank roll number: %v", err)
	}

	in = signUpInput("lee@example.com")
	in.RollNumber = ""
	if err := r.SignUp(ctx, in); err != nil {
		t.Fatalf("second SignUp with blank roll number: %v", err)
	}
	if got := b.profileCount(); got != 3 {
		t.Errorf("profile rows = %d, want 3", got)
	}
}

func TestSignUpRecoversOrphanedAccount(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	r := NewIdentityRegistrar(b, b)
	id := b.seedOrphan("pat@example.com", "hunter22")

	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	p, err := b.Profile(ctx, id)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Email != "pat@example.com" {
		t.Errorf("recovered profile = %+v", p)
	}
	if got := b.profileCount(); got != 1 {
		t.Errorf("profile rows = %d, want 1", got)
	}
}

func TestSignUpOrphanWrongPassword(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	r := NewIdentityRegistrar(b, b)
	b.seedOrphan("pat@example.com", "correct-password")

	in := signUpInput("pat@example.com")
	in.Password = "wrong-password"
	if err := r.SignUp(ctx, in); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("err = %v, want ErrPasswordMismatch", err)
	}
	if got := b.profileCount(); got != 0 {
		t.Errorf("profile rows = %d, want 0", got)
	}
}

func TestSignUpZeroIdentityCountRoutesToRecovery(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	b.reportZeroIdentities = true
	r := NewIdentityRegistrar(b, b)
	id := b.seedOrphan("pat@example.com", "hunter22")

	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if _, err := b.Profile(ctx, id); err != nil {
		t.Fatalf("recovered profile missing: %v", err)
	}
}

func TestSignUpOrphanWithExistingProfileIsComplete(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	r := NewIdentityRegistrar(b, b)
	id := b.seedOrphan("pat@example.com", "hunter22")
	// Profile row exists but under data the uniqueness check does not match,
	// so the flow reaches recovery and finds nothing left to do.
	b.profiles[id] = &profiledomain.Profile{ID: id, Email: "old@example.com"}

	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if got := b.profileCount(); got != 1 {
		t.Errorf("profile rows = %d, want 1", got)
	}
}

func TestConcurrentSignUpsConverge(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := NewIdentityRegistrar(b, b)
			errs[i] = r.SignUp(ctx, signUpInput("pat@example.com"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		// A racer that lost the uniqueness check window can observe the
		// winner's profile row as an existing email; that must be the only
		// failure mode, and nothing may fail with a raw duplicate error.
		if err != nil && !errors.Is(err, ErrEmailExists) {
			t.Errorf("sign-up %d: %v", i, err)
		}
		if errors.Is(err, remote.ErrDuplicateIdentity) {
			t.Errorf("sign-up %d surfaced a raw duplicate error", i)
		}
	}
	if got := b.profileCount(); got != 1 {
		t.Errorf("profile rows = %d, want exactly 1", got)
	}
	b.mu.Lock()
	accounts := len(b.passwords)
	b.mu.Unlock()
	if accounts != 1 {
		t.Errorf("accounts = %d, want exactly 1", accounts)
	}
}

func TestSignUpInsertRetriesOnceThenReportsProvisioning(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	b.insertErrs = []error{
		errors.New("row level security violation"),
		errors.New("row level security violation"),
	}
	r := NewIdentityRegistrar(b, b)

	err := r.SignUp(ctx, signUpInput("pat@example.com"))
	var pe *ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProvisioningError", err)
	}
	if pe.UserID == "" {
		t.Error("ProvisioningError missing user id")
	}

	// Re-running the same sign-up adopts the orphaned account and completes
	// provisioning.
	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("second SignUp: %v", err)
	}
	if got := b.profileCount(); got != 1 {
		t.Errorf("profile rows = %d, want 1", got)
	}
}

func TestSignUpInsertSucceedsOnRetry(t *testing.T) {
	ctx := context.Background()
	b := newRegBackend()
	b.insertErrs = []error{errors.New("transient failure")}
	r := NewIdentityRegistrar(b, b)

	if err := r.SignUp(ctx, signUpInput("pat@example.com")); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if got := b.profileCount(); got != 1 {
		t.Errorf("profile rows = %d, want 1", got)
	}
}
