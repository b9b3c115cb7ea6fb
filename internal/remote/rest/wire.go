package rest

import (
	"encoding/json"
	"time"

	"github.com/classpulse/identity-engine/internal/security"
	sessiondomain "github.com/classpulse/identity-engine/internal/session/domain"
)

// userPayload is the service's user object.
type userPayload struct {
	ID         string            `json:"id"`
	Email      string            `json:"email"`
	Identities []json.RawMessage `json:"identities"`
}

// tokenResponse covers the service's token and signup response shapes: a
// token grant returns tokens plus a nested user; a signup without
// auto-confirm returns the user object at the top level. Error payloads
// reuse the same struct.
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         *userPayload `json:"user"`

	ID         string            `json:"id"`
	Identities []json.RawMessage `json:"identities"`

	Msg       string `json:"msg"`
	ErrorDesc string `json:"error_description"`
	ErrorText string `json:"error"`

	rawBody []byte
}

func (t *tokenResponse) userID() string {
	if t.User != nil && t.User.ID != "" {
		return t.User.ID
	}
	return t.ID
}

func (t *tokenResponse) identityCount() int {
	if t.User != nil {
		return len(t.User.Identities)
	}
	return len(t.Identities)
}

func (t *tokenResponse) errorMessage() string {
	switch {
	case t.Msg != "":
		return t.Msg
	case t.ErrorDesc != "":
		return t.ErrorDesc
	case t.ErrorText != "":
		return t.ErrorText
	}
	if len(t.rawBody) > 0 {
		return string(t.rawBody)
	}
	return "request failed"
}

// session builds a Session from the token grant, preferring the expiry the
// service reported and falling back to the access token's exp claim.
func (t *tokenResponse) session(parser *security.TokenParser) *sessiondomain.Session {
	sess := &sessiondomain.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		UserID:       t.userID(),
	}
	switch {
	case t.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		sess.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	if parser != nil && (sess.UserID == "" || sess.ExpiresAt.IsZero()) {
		if sub, exp, err := parser.Parse(t.AccessToken); err == nil {
			if sess.UserID == "" {
				sess.UserID = sub
			}
			if sess.ExpiresAt.IsZero() {
				sess.ExpiresAt = exp
			}
		}
	}
	return sess
}
