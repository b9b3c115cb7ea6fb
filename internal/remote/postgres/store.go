// Package postgres is the embedded identity service adapter: accounts and
// profile rows live in a Postgres database the engine talks to directly.
// Used for self-hosted deployments and integration testing, where no managed
// identity service fronts the database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	"github.com/classpulse/identity-engine/internal/remote"
	"github.com/classpulse/identity-engine/internal/security"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

const uniqueViolation = "23505"

// Store implements the authenticator and profile store over a direct
// database connection, minting its own HS256 token pairs.
type Store struct {
	db     *sql.DB
	hasher *security.Hasher
	issuer *security.TokenIssuer

	mu      sync.Mutex
	session *sessiondomain.Session
	events  chan sessiondomain.AuthEvent
}

// NewStore returns a Store over db.
func NewStore(db *sql.DB, hasher *security.Hasher, issuer *security.TokenIssuer) *Store {
	return &Store{
		db:     db,
		hasher: hasher,
		issuer: issuer,
		events: make(chan sessiondomain.AuthEvent, 16),
	}
}

// AuthEvents returns this adapter's state-change notifications.
func (s *Store) AuthEvents() <-chan sessiondomain.AuthEvent {
	return s.events
}

// SignIn verifies credentials against the accounts table and issues a
// session.
func (s *Store) SignIn(ctx context.Context, email, password string) (*sessiondomain.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var id, hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM accounts WHERE email = $1`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remote.ErrInvalidCredentials
	}
	if err != nil {
		return nil, wrapDBErr("sign in", err)
	}
	if err := s.hasher.Compare(hash, []byte(password)); err != nil {
		return nil, remote.ErrInvalidCredentials
	}
	sess, err := s.issueSession(id)
	if err != nil {
		return nil, err
	}
	s.setSession(sess)
	s.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventSignedIn, Session: sess.Clone()})
	return sess, nil
}

// SignUp creates an account row. Accounts here are always auto-confirmed, so
// a successful result reports one identity binding; an existing email maps
// to ErrDuplicateIdentity.
func (s *Store) SignUp(ctx context.Context, email, password string, meta remote.SignUpMetadata) (*remote.SignUpResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := s.hasher.Hash([]byte(password))
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		id, email, hash, time.Now().UTC())
	if isUniqueViolation(err) {
		return nil, remote.ErrDuplicateIdentity
	}
	if err != nil {
		return nil, wrapDBErr("sign up", err)
	}
	sess, err := s.issueSession(id)
	if err != nil {
		return nil, err
	}
	s.setSession(sess)
	s.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventSignedIn, Session: sess.Clone()})
	return &remote.SignUpResult{UserID: id, Session: sess, IdentityCount: 1}, nil
}

// SignOut drops the held session.
func (s *Store) SignOut(ctx context.Context) error {
	s.setSession(nil)
	s.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventSignedOut})
	return nil
}

// CurrentSession returns the held session, rotating the pair when the
// access token has expired and the refresh token still verifies.
func (s *Store) CurrentSession(ctx context.Context) (*sessiondomain.Session, error) {
	s.mu.Lock()
	sess := s.session.Clone()
	s.mu.Unlock()
	if sess == nil {
		return nil, nil
	}
	if !sess.Expired(time.Now()) {
		return sess, nil
	}
	userID, err := s.issuer.ValidateRefresh(sess.RefreshToken)
	if err != nil {
		s.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventTokenRefreshFailed})
		return nil, remote.ErrExpiredCredentials
	}
	fresh, err := s.issueSession(userID)
	if err != nil {
		return nil, err
	}
	s.setSession(fresh)
	s.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventTokenRefreshed, Session: fresh.Clone()})
	return fresh, nil
}

// Profile returns the profile row for id, or ErrProfileNotFound.
func (s *Store) Profile(ctx context.Context, id string) (*profiledomain.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, roll_number, role, class_id, admin_class_id,
		       active_class_id, is_admin, setup_complete, created_at
		FROM profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remote.ErrProfileNotFound
	}
	if err != nil {
		return nil, wrapDBErr("profile fetch", err)
	}
	return p, nil
}

// CountProfiles counts profile rows matching the filter.
func (s *Store) CountProfiles(ctx context.Context, filter remote.ProfileFilter) (int, error) {
	var (
		n   int
		err error
	)
	switch {
	case filter.Email != "":
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM profiles WHERE email = $1`, filter.Email).Scan(&n)
	case filter.RollNumber != "":
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM profiles WHERE roll_number = $1`, filter.RollNumber).Scan(&n)
	default:
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM profiles`).Scan(&n)
	}
	if err != nil {
		return 0, wrapDBErr("profile count", err)
	}
	return n, nil
}

// InsertProfile creates a profile row; a duplicate key maps to
// ErrDuplicateIdentity.
func (s *Store) InsertProfile(ctx context.Context, p *profiledomain.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, name, roll_number, role, class_id,
		    admin_class_id, active_class_id, is_admin, setup_complete, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Email, p.Name, p.RollNumber, string(p.Role), p.ClassID,
		p.AdminClassID, p.ActiveClassID, p.IsAdmin, p.SetupComplete, p.CreatedAt)
	if isUniqueViolation(err) {
		return remote.ErrDuplicateIdentity
	}
	if err != nil {
		return wrapDBErr("profile insert", err)
	}
	return nil
}

// UpdateProfile applies the non-nil patch fields to the row with id.
func (s *Store) UpdateProfile(ctx context.Context, id string, patch remote.ProfilePatch) error {
	sets := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.ActiveClassID != nil {
		add("active_class_id", *patch.ActiveClassID)
	}
	if patch.SetupComplete != nil {
		add("setup_complete", *patch.SetupComplete)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := `UPDATE profiles SET ` + strings.Join(sets, ", ") +
		` WHERE id = $` + strconv.Itoa(len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapDBErr("profile update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return remote.ErrProfileNotFound
	}
	return nil
}

func (s *Store) issueSession(userID string) (*sessiondomain.Session, error) {
	access, exp, err := s.issuer.IssueAccess(userID, "")
	if err != nil {
		return nil, err
	}
	refresh, err := s.issuer.IssueRefresh(userID)
	if err != nil {
		return nil, err
	}
	return &sessiondomain.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		UserID:       userID,
		ExpiresAt:    exp,
	}, nil
}

func (s *Store) setSession(sess *sessiondomain.Session) {
	s.mu.Lock()
	s.session = sess.Clone()
	s.mu.Unlock()
}

func (s *Store) emit(ev sessiondomain.AuthEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*profiledomain.Profile, error) {
	var (
		p    profiledomain.Profile
		role string
	)
	err := row.Scan(&p.ID, &p.Email, &p.Name, &p.RollNumber, &role, &p.ClassID,
		&p.AdminClassID, &p.ActiveClassID, &p.IsAdmin, &p.SetupComplete, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Role = profiledomain.Role(role)
	return &p, nil
}

// wrapDBErr classifies connection-level failures as NetworkError so the
// engine degrades to cache instead of treating them as fatal.
func wrapDBErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &remote.NetworkError{Op: op, Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &remote.ServiceError{Code: pgErr.Code, Message: pgErr.Message}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

