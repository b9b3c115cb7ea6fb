// Package rest is the HTTP adapter for the remote identity service. Auth
// operations go to the service's token endpoints; profile rows are a REST
// resource with PostgREST-style filters. Transport failures are wrapped as
// remote.NetworkError so the engine falls back to cache instead of evicting
// the user.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/classpulse/identity-engine/internal/cache"
	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	"github.com/classpulse/identity-engine/internal/remote"
	"github.com/classpulse/identity-engine/internal/security"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

const (
	defaultTimeout = 15 * time.Second
	eventBuffer    = 16
)

// Client talks to the remote identity service over HTTP. It holds the
// current token pair, persists it through the injected store so cold starts
// can restore it, and publishes its own state changes on the AuthEvents
// channel.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	parser *security.TokenParser
	store  cache.Store

	mu      sync.Mutex
	session *sessiondomain.Session
	events  chan sessiondomain.AuthEvent
}

// NewClient returns a Client for baseURL. store may be nil, in which case
// sessions are held in memory only. Any previously persisted session is
// restored and announced as a SessionRestored event.
func NewClient(baseURL, apiKey string, parser *security.TokenParser, store cache.Store) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		parser:     parser,
		store:      store,
		events:     make(chan sessiondomain.AuthEvent, eventBuffer),
	}
	if restored := c.loadPersisted(); restored != nil {
		c.session = restored
		c.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventSessionRestored, Session: restored.Clone()})
	}
	return c
}

// AuthEvents returns the channel of service-state change notifications.
func (c *Client) AuthEvents() <-chan sessiondomain.AuthEvent {
	return c.events
}

// SignIn exchanges credentials for a session via the password grant.
func (c *Client) SignIn(ctx context.Context, email, password string) (*sessiondomain.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var tr tokenResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", body, "", &tr)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		sess := tr.session(c.parser)
		c.setSession(ctx, sess)
		c.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventSignedIn, Session: sess.Clone()})
		return sess, nil
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return nil, remote.ErrInvalidCredentials
	default:
		return nil, &remote.ServiceError{Code: strconv.Itoa(status), Message: tr.errorMessage()}
	}
}

// SignUp creates an account with the profile seed attached as metadata.
func (c *Client) SignUp(ctx context.Context, email, password string, meta remote.SignUpMetadata) (*remote.SignUpResult, error) {
	body := map[string]interface{}{"email": email, "password": password, "data": meta}
	var tr tokenResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/auth/v1/signup", body, "", &tr)
	if err != nil {
		return nil, err
	}
	msg := tr.errorMessage()
	switch {
	case status == http.StatusOK:
		res := &remote.SignUpResult{
			UserID:        tr.userID(),
			IdentityCount: tr.identityCount(),
		}
		if tr.AccessToken != "" {
			sess := tr.session(c.parser)
			res.Session = sess
			c.setSession(ctx, sess)
			c.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventSignedIn, Session: sess.Clone()})
		}
		return res, nil
	case (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity) &&
		strings.Contains(strings.ToLower(msg), "already registered"):
		return nil, remote.ErrDuplicateIdentity
	case status == http.StatusConflict:
		return nil, remote.ErrDuplicateIdentity
	default:
		return nil, &remote.ServiceError{Code: strconv.Itoa(status), Message: msg}
	}
}

// SignOut revokes the current session server-side and drops it locally
// regardless of the outcome.
func (c *Client) SignOut(ctx context.Context) error {
	token := c.accessToken()
	c.setSession(ctx, nil)
	c.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventSignedOut})
	if token == "" {
		return nil
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", nil, token, nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusUnauthorized {
		return &remote.ServiceError{Code: strconv.Itoa(status), Message: "logout failed"}
	}
	return nil
}

// CurrentSession returns the live session, refreshing the token pair when
// the access credential has expired. A rejected refresh reports
// ErrExpiredCredentials and emits TokenRefreshFailed.
func (c *Client) CurrentSession(ctx context.Context) (*sessiondomain.Session, error) {
	c.mu.Lock()
	sess := c.session.Clone()
	c.mu.Unlock()
	if sess == nil {
		return nil, nil
	}
	if !sess.Expired(time.Now()) {
		return sess, nil
	}
	return c.refresh(ctx, sess.RefreshToken)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*sessiondomain.Session, error) {
	if refreshToken == "" {
		return nil, remote.ErrExpiredCredentials
	}
	body := map[string]string{"refresh_token": refreshToken}
	var tr tokenResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", body, "", &tr)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		sess := tr.session(c.parser)
		c.setSession(ctx, sess)
		c.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventTokenRefreshed, Session: sess.Clone()})
		return sess, nil
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		c.emit(sessiondomain.AuthEvent{Kind: sessiondomain.EventTokenRefreshFailed})
		return nil, remote.ErrExpiredCredentials
	default:
		return nil, &remote.ServiceError{Code: strconv.Itoa(status), Message: tr.errorMessage()}
	}
}

// Profile fetches one profile row by id.
func (c *Client) Profile(ctx context.Context, id string) (*profiledomain.Profile, error) {
	path := "/rest/v1/profiles?id=eq." + url.QueryEscape(id) + "&select=*&limit=1"
	var rows []profiledomain.Profile
	status, err := c.doJSON(ctx, http.MethodGet, path, nil, c.accessToken(), &rows)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK && len(rows) == 1:
		return &rows[0], nil
	case status == http.StatusOK:
		return nil, remote.ErrProfileNotFound
	case status == http.StatusNotFound || status == http.StatusNotAcceptable:
		return nil, remote.ErrProfileNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, remote.ErrUnauthorized
	default:
		return nil, &remote.ServiceError{Code: strconv.Itoa(status), Message: "profile fetch failed"}
	}
}

// CountProfiles returns the exact row count for the filter using a HEAD
// request with count preference.
func (c *Client) CountProfiles(ctx context.Context, filter remote.ProfileFilter) (int, error) {
	q := url.Values{}
	if filter.Email != "" {
		q.Set("email", "eq."+filter.Email)
	}
	if filter.RollNumber != "" {
		q.Set("roll_number", "eq."+filter.RollNumber)
	}
	req, err := c.newRequest(ctx, http.MethodHead, "/rest/v1/profiles?"+q.Encode(), nil, c.accessToken())
	if err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "count=exact")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, &remote.NetworkError{Op: "count profiles", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, remote.ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return 0, &remote.ServiceError{Code: strconv.Itoa(resp.StatusCode), Message: "count failed"}
	}
	return parseContentRangeTotal(resp.Header.Get("Content-Range"))
}

// InsertProfile creates a profile row. A conflict maps to
// ErrDuplicateIdentity so concurrent orphan recoveries converge.
func (c *Client) InsertProfile(ctx context.Context, p *profiledomain.Profile) error {
	status, err := c.doJSON(ctx, http.MethodPost, "/rest/v1/profiles", p, c.accessToken(), nil)
	if err != nil {
		return err
	}
	switch {
	case status < 300:
		return nil
	case status == http.StatusConflict:
		return remote.ErrDuplicateIdentity
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return remote.ErrUnauthorized
	default:
		return &remote.ServiceError{Code: strconv.Itoa(status), Message: "profile insert failed"}
	}
}

// UpdateProfile applies a partial update to the row with the given id.
func (c *Client) UpdateProfile(ctx context.Context, id string, patch remote.ProfilePatch) error {
	body := map[string]interface{}{}
	if patch.Name != nil {
		body["name"] = *patch.Name
	}
	if patch.ActiveClassID != nil {
		body["active_class_id"] = *patch.ActiveClassID
	}
	if patch.SetupComplete != nil {
		body["setup_complete"] = *patch.SetupComplete
	}
	if len(body) == 0 {
		return nil
	}
	path := "/rest/v1/profiles?id=eq." + url.QueryEscape(id)
	status, err := c.doJSON(ctx, http.MethodPatch, path, body, c.accessToken(), nil)
	if err != nil {
		return err
	}
	switch {
	case status < 300:
		return nil
	case status == http.StatusNotFound:
		return remote.ErrProfileNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return remote.ErrUnauthorized
	default:
		return &remote.ServiceError{Code: strconv.Itoa(status), Message: "profile update failed"}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, bearer string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}

// doJSON performs one request and decodes the response body into out when
// non-nil. It returns the HTTP status; transport failures come back as
// NetworkError.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, bearer string, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, reader, bearer)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, &remote.NetworkError{Op: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer resp.Body.Close()
	if out != nil {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, &remote.NetworkError{Op: "read response", Err: err}
		}
		if len(raw) > 0 {
			// Tolerate bodies that do not match out (error payloads).
			_ = json.Unmarshal(raw, out)
			if tr, ok := out.(*tokenResponse); ok {
				tr.rawBody = raw
			}
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// setSession replaces the held session and persists (or deletes) the copy in
// the injected store.
func (c *Client) setSession(ctx context.Context, sess *sessiondomain.Session) {
	c.mu.Lock()
	c.session = sess.Clone()
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	if sess == nil {
		_ = c.store.Delete(ctx, cache.KeySession)
		return
	}
	if raw, err := json.Marshal(sess); err == nil {
		_ = c.store.Set(ctx, cache.KeySession, string(raw))
	}
}

func (c *Client) loadPersisted() *sessiondomain.Session {
	if c.store == nil {
		return nil
	}
	raw, ok, err := c.store.Get(context.Background(), cache.KeySession)
	if err != nil || !ok {
		return nil
	}
	var sess sessiondomain.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil
	}
	if sess.AccessToken == "" {
		return nil
	}
	return &sess
}

func (c *Client) emit(ev sessiondomain.AuthEvent) {
	select {
	case c.events <- ev:
	default:
		// A stalled consumer drops the oldest semantics in favor of not
		// blocking auth operations.
	}
}

func parseContentRangeTotal(header string) (int, error) {
	// Format: "0-9/42" or "*/0".
	i := strings.LastIndex(header, "/")
	if i < 0 {
		return 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	total := header[i+1:]
	if total == "*" {
		return 0, nil
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	return n, nil
}
