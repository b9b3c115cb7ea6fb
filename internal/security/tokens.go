package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed or fails
	// verification.
	ErrInvalidToken = errors.New("invalid token")
)

// TokenClaims are the claims the engine cares about on a session credential.
type TokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// TokenParser extracts the subject and expiry from a session access token.
// When a secret is configured the HS256 signature is verified; otherwise the
// token is parsed unverified, which is sufficient client-side where the
// credential is only inspected, never trusted for authorization.
type TokenParser struct {
	secret []byte
}

// NewTokenParser returns a TokenParser. secret may be empty.
func NewTokenParser(secret string) *TokenParser {
	var b []byte
	if secret != "" {
		b = []byte(secret)
	}
	return &TokenParser{secret: b}
}

// Parse returns the user id (sub) and expiry of the token. A token without
// an exp claim yields a zero expiry. Malformed tokens return ErrInvalidToken.
func (p *TokenParser) Parse(tokenString string) (userID string, expiresAt time.Time, err error) {
	var claims TokenClaims
	if len(p.secret) == 0 {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
			return "", time.Time{}, ErrInvalidToken
		}
	} else {
		token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return p.secret, nil
		})
		if err != nil || !token.Valid {
			return "", time.Time{}, ErrInvalidToken
		}
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return claims.Subject, exp, nil
}

// TokenIssuer mints HS256 access/refresh pairs for the embedded identity
// service.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer returns a TokenIssuer signing with the given secret.
func NewTokenIssuer(secret, issuer string, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 168 * time.Hour
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// IssueAccess issues a short-lived access token for userID with the given
// role claim. Returns the token and its expiry.
func (i *TokenIssuer) IssueAccess(userID, role string) (token string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(i.accessTTL)
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	return token, expiresAt, err
}

// IssueRefresh issues a long-lived refresh token for userID.
func (i *TokenIssuer) IssueRefresh(userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   userID,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.refreshTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ValidateRefresh verifies a refresh token and returns its subject.
func (i *TokenIssuer) ValidateRefresh(tokenString string) (userID string, err error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
