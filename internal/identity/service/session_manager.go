// Package service implements the session and identity synchronization
// engine: establishing, caching, validating, and tearing down a user's
// authenticated session while staying usable offline. It reconciles three
// concurrent sources for the same state (the local cache, remote fetches,
// and the realtime change feed) without evicting a legitimately offline user
// or duplicating an identity record.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/classpulse/identity-engine/internal/cache"
	"github.com/classpulse/identity-engine/internal/connectivity"
	"github.com/classpulse/identity-engine/internal/navigation"
	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	"github.com/classpulse/identity-engine/internal/remote"
	"github.com/classpulse/identity-engine/internal/security"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

// State is the engine's lifecycle state.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitializing    State = "initializing"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
	// StateDegradedOffline means the engine is serving a cached profile
	// without a verified live session because connectivity is unavailable.
	StateDegradedOffline State = "degraded_offline"
)

// Authenticator is the minimal remote authentication surface the engine
// needs.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*sessiondomain.Session, error)
	SignUp(ctx context.Context, email, password string, meta remote.SignUpMetadata) (*remote.SignUpResult, error)
	SignOut(ctx context.Context) error
	CurrentSession(ctx context.Context) (*sessiondomain.Session, error)
	AuthEvents() <-chan sessiondomain.AuthEvent
}

// ProfileStore is the minimal remote profile surface the engine needs.
type ProfileStore interface {
	Profile(ctx context.Context, id string) (*profiledomain.Profile, error)
	CountProfiles(ctx context.Context, filter remote.ProfileFilter) (int, error)
	InsertProfile(ctx context.Context, p *profiledomain.Profile) error
	UpdateProfile(ctx context.Context, id string, patch remote.ProfilePatch) error
}

// ChangeFeed delivers per-identity profile row changes as (old, new)
// snapshots.
type ChangeFeed interface {
	SubscribeProfileUpdates(ctx context.Context, userID string, fn func(old, updated *profiledomain.Profile)) (remote.Subscription, error)
}

// ErrNotDualRole is returned by SetActiveRole when the current profile is
// not eligible for role selection.
var ErrNotDualRole = errors.New("profile is not dual-role")

// ErrInvalidRole is returned by SetActiveRole for a value that is not a
// selectable role.
var ErrInvalidRole = errors.New("invalid role selection")

const defaultValidateInterval = 5 * time.Minute

// ManagerOptions carries the injected collaborators for a SessionManager.
// Cache, Auth, Profiles, Connectivity, and Navigator are required; Feed and
// TokenParser are optional.
type ManagerOptions struct {
	Cache            cache.Store
	Auth             Authenticator
	Profiles         ProfileStore
	Feed             ChangeFeed
	Connectivity     connectivity.Monitor
	Navigator        navigation.Navigator
	TokenParser      *security.TokenParser
	LoginRoute       string
	ValidateInterval time.Duration
}

// SessionManager owns the authoritative in-memory session, profile, and
// active-role state. All mutation is serialized by one mutex; asynchronous
// results are tagged with a generation counter at initiation and discarded
// on arrival if the generation has since advanced, which is also how stale
// fetches for a superseded user id are "cancelled".
type SessionManager struct {
	cache        cache.Store
	auth         Authenticator
	profiles     ProfileStore
	feed         ChangeFeed
	connectivity connectivity.Monitor
	nav          navigation.Navigator
	parser       *security.TokenParser
	roles        *RoleResolver

	loginRoute       string
	validateInterval time.Duration

	tracer  trace.Tracer
	metrics *managerMetrics

	mu         sync.Mutex
	state      State
	loading    bool
	session    *sessiondomain.Session
	profile    *profiledomain.Profile
	activeRole sessiondomain.ActiveRole
	gen        uint64
	fetchingID string
	cleared    bool
	sub        remote.Subscription
	subUserID  string
}

// NewSessionManager returns an engine in the Uninitialized state. Call
// Initialize once, then Run to start the event dispatcher and validators.
func NewSessionManager(opts ManagerOptions) *SessionManager {
	interval := opts.ValidateInterval
	if interval <= 0 {
		interval = defaultValidateInterval
	}
	route := opts.LoginRoute
	if route == "" {
		route = navigation.RouteLogin
	}
	return &SessionManager{
		cache:            opts.Cache,
		auth:             opts.Auth,
		profiles:         opts.Profiles,
		feed:             opts.Feed,
		connectivity:     opts.Connectivity,
		nav:              opts.Navigator,
		parser:           opts.TokenParser,
		roles:            NewRoleResolver(opts.Cache),
		loginRoute:       route,
		validateInterval: interval,
		tracer:           otel.Tracer("identity-engine"),
		metrics:          newManagerMetrics(otel.Meter("identity-engine")),
		state:            StateUninitialized,
	}
}

// Initialize runs the cold-start sequence: load the cached profile into
// memory before any network call, probe connectivity once, and only when
// online consult the remote service. Offline startup never attempts a
// logout.
func (m *SessionManager) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "SessionManager.Initialize")
	defer span.End()

	m.mu.Lock()
	if m.state != StateUninitialized {
		m.mu.Unlock()
		return nil
	}
	m.state = StateInitializing
	m.loading = true
	m.profile = cache.ReadProfile(ctx, m.cache)
	m.activeRole = m.roles.Load(ctx)
	hasCached := m.profile != nil
	m.mu.Unlock()

	online := m.connectivity.OnlineNow(ctx)
	span.SetAttributes(attribute.Bool("online", online), attribute.Bool("cached_profile", hasCached))
	if !online {
		m.mu.Lock()
		m.state = StateDegradedOffline
		m.loading = false
		m.mu.Unlock()
		return nil
	}

	sess, err := m.auth.CurrentSession(ctx)
	switch {
	case err != nil && remote.IsNetwork(err):
		m.finishInitialize(StateDegradedOffline, hasCached)
		return nil
	case errors.Is(err, remote.ErrExpiredCredentials):
		m.mu.Lock()
		m.loading = false
		m.mu.Unlock()
		m.ForceLogout(ctx, "session expired at startup")
		return nil
	case err != nil:
		span.RecordError(err)
		m.finishInitialize(StateDegradedOffline, hasCached)
		return nil
	case sess != nil:
		m.storeSession(sess)
		err := m.FetchProfile(ctx, sess.UserID)
		m.mu.Lock()
		m.loading = false
		m.mu.Unlock()
		return err
	default:
		// Online, no session. Without a cached profile the user is simply
		// signed out; with one, keep it and let the auth-event stream
		// clarify.
		m.finishInitialize(StateDegradedOffline, hasCached)
		return nil
	}
}

func (m *SessionManager) finishInitialize(withCached State, hasCached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hasCached {
		m.state = withCached
	} else {
		m.state = StateUnauthenticated
	}
	m.loading = false
}

// Run consumes auth events, drives the periodic validator, and keeps the
// realtime subscription aligned with connectivity. It blocks until ctx is
// cancelled.
func (m *SessionManager) Run(ctx context.Context) {
	cancelConn := m.connectivity.OnChange(func(online bool) {
		if online {
			m.resubscribe(ctx)
		}
	})
	defer cancelConn()
	defer m.dropSubscription()

	ticker := time.NewTicker(m.validateInterval)
	defer ticker.Stop()

	events := m.auth.AuthEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleAuthEvent(ctx, ev)
		case <-ticker.C:
			if m.CurrentSession() != nil {
				m.ValidateSession(ctx)
			}
		}
	}
}

// HandleForeground is the app-resume trigger: it revalidates the session if
// one exists.
func (m *SessionManager) HandleForeground(ctx context.Context) {
	if m.CurrentSession() != nil {
		m.ValidateSession(ctx)
	}
}

// handleAuthEvent applies one push notification from the remote service.
// While offline, punitive events are suppressed: refresh is expected to fail
// without connectivity, and a spurious sign-out must not wipe a valid
// offline cache.
func (m *SessionManager) handleAuthEvent(ctx context.Context, ev sessiondomain.AuthEvent) {
	online := m.connectivity.OnlineNow(ctx)

	switch ev.Kind {
	case sessiondomain.EventTokenRefreshFailed:
		if online {
			m.ForceLogout(ctx, "token refresh failed")
		}
		return
	case sessiondomain.EventSignedOut:
		if online {
			m.clearLocalState(ctx, true)
		}
		return
	}

	if ev.Session != nil {
		m.storeSession(ev.Session)
		_ = m.FetchProfile(ctx, ev.Session.UserID)
		return
	}

	if !online {
		return
	}
	// Null session outside the handled kinds: drop the live session; the
	// cached profile survives only if it belongs to the user we last knew.
	m.mu.Lock()
	lastUserID := ""
	if m.profile != nil {
		lastUserID = m.profile.ID
	}
	m.session = nil
	cached := cache.ReadProfile(ctx, m.cache)
	keep := cached != nil && lastUserID != "" && cached.ID == lastUserID
	if !keep {
		m.profile = nil
		_ = cache.WriteProfile(ctx, m.cache, nil)
		m.state = StateUnauthenticated
	}
	m.mu.Unlock()
}

// FetchProfile loads the profile row for userID into memory and cache.
// Offline or on a network error it falls back to a matching cached snapshot.
// The call is single-flight per user id, and a result computed for an older
// generation (the user switched, or a logout intervened) is discarded on
// arrival.
func (m *SessionManager) FetchProfile(ctx context.Context, userID string) error {
	ctx, span := m.tracer.Start(ctx, "SessionManager.FetchProfile",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()
	m.metrics.profileFetches.Add(ctx, 1)

	if !m.connectivity.OnlineNow(ctx) {
		m.serveCachedProfile(ctx, userID)
		return nil
	}

	m.mu.Lock()
	if m.fetchingID == userID {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.fetchingID = userID
	m.mu.Unlock()

	p, err := m.profiles.Profile(ctx, userID)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.metrics.staleDiscards.Add(ctx, 1)
		return nil
	}
	m.fetchingID = ""

	switch {
	case err != nil && remote.IsNetwork(err):
		m.mu.Unlock()
		m.serveCachedProfile(ctx, userID)
		return nil
	case errors.Is(err, remote.ErrProfileNotFound):
		m.mu.Unlock()
		m.ForceLogout(ctx, "profile not found")
		return nil
	case errors.Is(err, remote.ErrUnauthorized):
		m.mu.Unlock()
		m.ForceLogout(ctx, "unauthorized")
		return nil
	case err != nil:
		m.mu.Unlock()
		span.RecordError(err)
		return err
	}

	m.applyProfileLocked(ctx, p)
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.resubscribe(ctx)
	return nil
}

// serveCachedProfile loads the cached snapshot into memory when it belongs
// to userID; otherwise state is left as-is.
func (m *SessionManager) serveCachedProfile(ctx context.Context, userID string) {
	cached := cache.ReadProfile(ctx, m.cache)
	if cached == nil || cached.ID != userID {
		return
	}
	m.mu.Lock()
	m.profile = cached
	m.mu.Unlock()
}

// applyProfileLocked overwrites memory and cache with a complete snapshot.
// If the admin flag flipped relative to the previous snapshot, the persisted
// active role is cleared so the user re-selects. Caller holds m.mu.
func (m *SessionManager) applyProfileLocked(ctx context.Context, p *profiledomain.Profile) {
	prev := m.profile
	if prev == nil {
		prev = cache.ReadProfile(ctx, m.cache)
	}
	if cleared := m.roles.Reconcile(ctx, prev, p); cleared {
		m.activeRole = sessiondomain.ActiveRoleNone
	}
	m.profile = p.Clone()
	_ = cache.WriteProfile(ctx, m.cache, p)
}

// handleProfileChange is the realtime feed callback: it applies pushed
// snapshots under the same serialization and staleness rules as fetches.
func (m *SessionManager) handleProfileChange(ctx context.Context, old, updated *profiledomain.Profile) {
	if updated == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleared {
		// Late delivery from an epoch a logout already closed; applying it
		// would rewrite the cache the logout cleared.
		return
	}
	if m.subUserID != "" && updated.ID != m.subUserID {
		return
	}
	if old != nil && m.profile == nil {
		// A push for a user we already logged out locally; ignore.
		return
	}
	m.applyProfileLocked(ctx, updated)
}

// ValidateSession checks that the live session still exists, has not
// expired, and still has a profile row. Fatal findings force a logout and
// report false. A network failure is inconclusive: no mutation, reported as
// still valid, because an offline user must not be punished.
func (m *SessionManager) ValidateSession(ctx context.Context) bool {
	ctx, span := m.tracer.Start(ctx, "SessionManager.ValidateSession")
	defer span.End()
	m.metrics.validations.Add(ctx, 1)

	sess, err := m.auth.CurrentSession(ctx)
	if err != nil && remote.IsNetwork(err) {
		return true
	}
	if err != nil || sess == nil {
		m.ForceLogout(ctx, "no live session")
		return false
	}
	if sess.Expired(time.Now()) {
		m.ForceLogout(ctx, "session expired")
		return false
	}

	p, err := m.profiles.Profile(ctx, sess.UserID)
	switch {
	case err != nil && remote.IsNetwork(err):
		return true
	case errors.Is(err, remote.ErrProfileNotFound):
		m.ForceLogout(ctx, "profile row missing")
		return false
	case errors.Is(err, remote.ErrUnauthorized):
		m.ForceLogout(ctx, "unauthorized")
		return false
	case err != nil:
		span.RecordError(err)
		return true
	case p == nil:
		m.ForceLogout(ctx, "profile row missing")
		return false
	}
	return true
}

// ForceLogout clears the session, profile, and active role from memory and
// cache, best-effort signs out remotely, and navigates to the login route.
// It is idempotent: concurrent triggers clear once and navigate once.
func (m *SessionManager) ForceLogout(ctx context.Context, reason string) {
	ctx, span := m.tracer.Start(ctx, "SessionManager.ForceLogout",
		trace.WithAttributes(attribute.String("reason", reason)))
	defer span.End()

	m.mu.Lock()
	if m.cleared {
		m.mu.Unlock()
		return
	}
	m.cleared = true
	m.gen++ // discard any in-flight fetch results
	m.fetchingID = ""
	m.session = nil
	m.profile = nil
	m.activeRole = sessiondomain.ActiveRoleNone
	m.state = StateUnauthenticated
	sub := m.sub
	m.sub = nil
	m.subUserID = ""
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if err := m.auth.SignOut(ctx); err != nil {
		span.RecordError(err)
	}
	if err := cache.Clear(ctx, m.cache); err != nil {
		span.RecordError(err)
	}
	m.metrics.forcedLogouts.Add(ctx, 1)
	m.nav.Replace(m.loginRoute)
}

// clearLocalState clears memory and cache without a remote sign-out, for
// service-initiated sign-out events. Idempotent like ForceLogout.
func (m *SessionManager) clearLocalState(ctx context.Context, navigate bool) {
	m.mu.Lock()
	if m.cleared {
		m.mu.Unlock()
		return
	}
	m.cleared = true
	m.gen++
	m.fetchingID = ""
	m.session = nil
	m.profile = nil
	m.activeRole = sessiondomain.ActiveRoleNone
	m.state = StateUnauthenticated
	sub := m.sub
	m.sub = nil
	m.subUserID = ""
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	_ = cache.Clear(ctx, m.cache)
	if navigate {
		m.nav.Replace(m.loginRoute)
	}
}

// SignIn clears any persisted role selection, then delegates the credentials
// to the remote service. A dual-role account re-selects its role on every
// fresh login. The remote error, if any, is returned unchanged.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) error {
	m.mu.Lock()
	m.activeRole = sessiondomain.ActiveRoleNone
	m.mu.Unlock()
	_ = m.roles.SetActiveRole(ctx, sessiondomain.ActiveRoleNone)

	sess, err := m.auth.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	m.storeSession(sess)
	if err := m.FetchProfile(ctx, sess.UserID); err != nil {
		return err
	}
	return nil
}

// SignOut best-effort signs out remotely and always clears local state.
func (m *SessionManager) SignOut(ctx context.Context) {
	m.ForceLogout(ctx, "user sign-out")
}

// UpdateProfile applies a partial update remotely, then re-fetches the full
// row so the cached copy stays a complete snapshot.
func (m *SessionManager) UpdateProfile(ctx context.Context, patch remote.ProfilePatch) error {
	sess := m.CurrentSession()
	if sess == nil {
		return errors.New("no authenticated session")
	}
	if err := m.profiles.UpdateProfile(ctx, sess.UserID, patch); err != nil {
		return err
	}
	return m.FetchProfile(ctx, sess.UserID)
}

// SetActiveRole persists the role selection for a dual-role profile.
func (m *SessionManager) SetActiveRole(ctx context.Context, role sessiondomain.ActiveRole) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	m.mu.Lock()
	dual := m.profile.IsDualRole()
	m.mu.Unlock()
	if !dual {
		return ErrNotDualRole
	}
	if err := m.roles.SetActiveRole(ctx, role); err != nil {
		return err
	}
	m.mu.Lock()
	m.activeRole = role
	m.mu.Unlock()
	return nil
}

// storeSession records a live session, deriving the expiry from the access
// token when the service did not report one, and opens a new authenticated
// epoch (re-arming forced logout and invalidating stale fetches).
func (m *SessionManager) storeSession(sess *sessiondomain.Session) {
	s := sess.Clone()
	if m.parser != nil && s.AccessToken != "" && (s.ExpiresAt.IsZero() || s.UserID == "") {
		if sub, exp, err := m.parser.Parse(s.AccessToken); err == nil {
			if s.UserID == "" {
				s.UserID = sub
			}
			if s.ExpiresAt.IsZero() {
				s.ExpiresAt = exp
			}
		}
	}
	m.mu.Lock()
	m.session = s
	m.state = StateAuthenticated
	m.cleared = false
	m.mu.Unlock()
}

// resubscribe tears down and re-establishes the realtime subscription for
// the current user. Exactly one identity is subscribed at a time.
func (m *SessionManager) resubscribe(ctx context.Context) {
	if m.feed == nil {
		return
	}
	m.mu.Lock()
	userID := ""
	if m.session != nil {
		userID = m.session.UserID
	} else if m.profile != nil {
		userID = m.profile.ID
	}
	old := m.sub
	alreadySubscribed := old != nil && m.subUserID == userID
	m.mu.Unlock()

	if userID == "" || alreadySubscribed {
		return
	}
	if old != nil {
		_ = old.Unsubscribe()
	}
	sub, err := m.feed.SubscribeProfileUpdates(ctx, userID, func(oldP, newP *profiledomain.Profile) {
		m.handleProfileChange(ctx, oldP, newP)
	})
	if err != nil {
		return
	}
	m.mu.Lock()
	m.sub = sub
	m.subUserID = userID
	m.mu.Unlock()
}

func (m *SessionManager) dropSubscription() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.subUserID = ""
	m.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// CurrentSession returns a copy of the live session, or nil.
func (m *SessionManager) CurrentSession() *sessiondomain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// CurrentProfile returns a copy of the in-memory profile, or nil.
func (m *SessionManager) CurrentProfile() *profiledomain.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile.Clone()
}

// ActiveRole returns the current role selection.
func (m *SessionManager) ActiveRole() sessiondomain.ActiveRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRole
}

// State returns the engine state.
func (m *SessionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Loading reports whether Initialize is still in progress.
func (m *SessionManager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// IsDualRole reports dual-role eligibility of the current profile.
func (m *SessionManager) IsDualRole() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile.IsDualRole()
}
