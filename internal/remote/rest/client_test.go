package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/classpulse/identity-engine/internal/cache"
	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	"github.com/classpulse/identity-engine/internal/remote"
	"github.com/classpulse/identity-engine/internal/security"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

func studentRow(id string) *profiledomain.Profile {
	return &profiledomain.Profile{ID: id, Email: id + "@example.com", Role: profiledomain.RoleStudent}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *cache.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store := cache.NewMemoryStore()
	return NewClient(srv.URL, "anon-key", security.NewTokenParser(""), store), store
}

func TestSignInSuccess(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		if got := r.Header.Get("apikey"); got != "anon-key" {
			t.Errorf("apikey = %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["email"] != "u1@example.com" {
			t.Errorf("email = %q", body["email"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
			"user":          map[string]interface{}{"id": "u1"},
		})
	}))

	sess, err := c.SignIn(ctx, "u1@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if sess.UserID != "u1" || sess.AccessToken != "at" || sess.RefreshToken != "rt" {
		t.Errorf("session = %+v", sess)
	}
	if sess.ExpiresAt.Before(time.Now()) {
		t.Errorf("expiry = %v, want in the future", sess.ExpiresAt)
	}

	select {
	case ev := <-c.AuthEvents():
		if ev.Kind != sessiondomain.EventSignedIn || ev.Session == nil {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no SignedIn event emitted")
	}
	if raw, ok, _ := store.Get(ctx, cache.KeySession); !ok || raw == "" {
		t.Error("session not persisted")
	}
}

func TestSignInInvalidCredentials(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error_description": "Invalid login credentials"})
	}))

	_, err := c.SignIn(context.Background(), "u1@example.com", "wrong")
	if !errors.Is(err, remote.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestSignInTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := NewClient(srv.URL, "", security.NewTokenParser(""), nil)
	srv.Close() // connections now refused

	_, err := c.SignIn(context.Background(), "u1@example.com", "pw")
	if !remote.IsNetwork(err) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestSignUpSuccess(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/signup" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at",
			"refresh_token": "rt",
			"user": map[string]interface{}{
				"id":         "u9",
				"identities": []map[string]string{{"provider": "email"}},
			},
		})
	}))

	res, err := c.SignUp(context.Background(), "u9@example.com", "pw", remote.SignUpMetadata{Name: "Pat"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if res.UserID != "u9" || res.IdentityCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Session == nil || res.Session.UserID != "u9" {
		t.Errorf("session = %+v", res.Session)
	}
}

func TestSignUpExistingUserHasZeroIdentities(t *testing.T) {
	// Services that mask duplicates return the existing user with an empty
	// identities list and no tokens.
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":         "u9",
			"identities": []interface{}{},
		})
	}))

	res, err := c.SignUp(context.Background(), "u9@example.com", "pw", remote.SignUpMetadata{})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if res.UserID != "u9" || res.IdentityCount != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Session != nil {
		t.Errorf("session = %+v, want nil", res.Session)
	}
}

func TestSignUpDuplicateMappings(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]string
	}{
		{"already registered message", http.StatusUnprocessableEntity, map[string]string{"msg": "User already registered"}},
		{"conflict status", http.StatusConflict, map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			_, err := c.SignUp(context.Background(), "u9@example.com", "pw", remote.SignUpMetadata{})
			if !errors.Is(err, remote.ErrDuplicateIdentity) {
				t.Fatalf("err = %v, want ErrDuplicateIdentity", err)
			}
		})
	}
}

func TestCurrentSessionRefreshesExpiredToken(t *testing.T) {
	ctx := context.Background()
	var refreshed bool
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "refresh_token" {
			t.Errorf("unexpected request %s", r.URL)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "rt-old" {
			t.Errorf("refresh_token = %q", body["refresh_token"])
		}
		refreshed = true
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
			"user":          map[string]interface{}{"id": "u1"},
		})
	}))
	c.setSession(ctx, &sessiondomain.Session{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		UserID:       "u1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	sess, err := c.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if !refreshed {
		t.Fatal("refresh endpoint not called")
	}
	if sess.AccessToken != "at-new" || sess.RefreshToken != "rt-new" {
		t.Errorf("session = %+v", sess)
	}

	select {
	case ev := <-c.AuthEvents():
		if ev.Kind != sessiondomain.EventTokenRefreshed {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no TokenRefreshed event emitted")
	}
}

func TestCurrentSessionRejectedRefresh(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error_description": "refresh token revoked"})
	}))
	c.setSession(ctx, &sessiondomain.Session{
		AccessToken:  "at",
		RefreshToken: "rt",
		UserID:       "u1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	_, err := c.CurrentSession(ctx)
	if !errors.Is(err, remote.ErrExpiredCredentials) {
		t.Fatalf("err = %v, want ErrExpiredCredentials", err)
	}
	select {
	case ev := <-c.AuthEvents():
		if ev.Kind != sessiondomain.EventTokenRefreshFailed {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no TokenRefreshFailed event emitted")
	}
}

func TestCurrentSessionNoSession(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	sess, err := c.CurrentSession(context.Background())
	if err != nil || sess != nil {
		t.Fatalf("CurrentSession = %+v, %v", sess, err)
	}
}

func TestProfileStatusMappings(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    error
		wantRow bool
	}{
		{"found", http.StatusOK, `[{"id":"u1","email":"u1@example.com"}]`, nil, true},
		{"empty result set", http.StatusOK, `[]`, remote.ErrProfileNotFound, false},
		{"not found", http.StatusNotFound, `{}`, remote.ErrProfileNotFound, false},
		{"unauthorized", http.StatusUnauthorized, `{}`, remote.ErrUnauthorized, false},
		{"forbidden", http.StatusForbidden, `{}`, remote.ErrUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("id"); got != "eq.u1" {
					t.Errorf("id filter = %q", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			p, err := c.Profile(context.Background(), "u1")
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("err = %v, want %v", err, tt.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("Profile: %v", err)
			}
			if tt.wantRow && (p == nil || p.ID != "u1") {
				t.Errorf("profile = %+v", p)
			}
		})
	}
}

func TestProfileUnknownStatusIsServiceError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := c.Profile(context.Background(), "u1")
	var se *remote.ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want ServiceError", err)
	}
	if se.Code != "500" {
		t.Errorf("code = %q", se.Code)
	}
}

func TestCountProfiles(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		if got := r.Header.Get("Prefer"); got != "count=exact" {
			t.Errorf("Prefer = %q", got)
		}
		if got := r.URL.Query().Get("email"); got != "eq.u1@example.com" {
			t.Errorf("email filter = %q", got)
		}
		w.Header().Set("Content-Range", "0-0/3")
	}))

	n, err := c.CountProfiles(context.Background(), remote.ProfileFilter{Email: "u1@example.com"})
	if err != nil {
		t.Fatalf("CountProfiles: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestInsertProfileConflict(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	err := c.InsertProfile(context.Background(), studentRow("u1"))
	if !errors.Is(err, remote.ErrDuplicateIdentity) {
		t.Fatalf("err = %v, want ErrDuplicateIdentity", err)
	}
}

func TestUpdateProfileEmptyPatchSkipsRequest(t *testing.T) {
	called := false
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	if err := c.UpdateProfile(context.Background(), "u1", remote.ProfilePatch{}); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if called {
		t.Error("empty patch issued a request")
	}
}

func TestSignOutClearsPersistedSession(t *testing.T) {
	ctx := context.Background()
	c, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	c.setSession(ctx, &sessiondomain.Session{AccessToken: "at", UserID: "u1"})

	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, ok, _ := store.Get(ctx, cache.KeySession); ok {
		t.Error("persisted session not cleared")
	}
	select {
	case ev := <-c.AuthEvents():
		if ev.Kind != sessiondomain.EventSignedOut {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no SignedOut event emitted")
	}
}

func TestNewClientRestoresPersistedSession(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	raw, _ := json.Marshal(&sessiondomain.Session{AccessToken: "at", RefreshToken: "rt", UserID: "u1"})
	if err := store.Set(ctx, cache.KeySession, string(raw)); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	c := NewClient("http://127.0.0.1:1", "", security.NewTokenParser(""), store)

	sess, err := c.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if sess == nil || sess.UserID != "u1" {
		t.Fatalf("session = %+v, want restored u1", sess)
	}
	select {
	case ev := <-c.AuthEvents():
		if ev.Kind != sessiondomain.EventSessionRestored {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no SessionRestored event emitted")
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		header  string
		want    int
		wantErr bool
	}{
		{"0-9/42", 42, false},
		{"*/0", 0, false},
		{"*/*", 0, false},
		{"0-0/1", 1, false},
		{"", 0, true},
		{"0-9/forty", 0, true},
	}
	for _, tt := range tests {
		n, err := parseContentRangeTotal(tt.header)
		if tt.wantErr {
			if err == nil {
				t.Errorf("header %q: expected error", tt.header)
			}
			continue
		}
		if err != nil {
			t.Errorf("header %q: %v", tt.header, err)
			continue
		}
		if n != tt.want {
			t.Errorf("header %q: n = %d, want %d", tt.header, n, tt.want)
		}
	}
}
