// Package auth verifies caller credentials and derives the quota identity.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrMissingCredential is returned when authentication is required but no token was sent.
	ErrMissingCredential = errors.New("auth: missing credential")

	// ErrTokenExpired is returned when the token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrInvalidToken is returned when the token is invalid for any other reason.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is who a request is charged to.
type Identity struct {
	// ID is the quota key: "user:<sub>" or "anon:<client ip>".
	ID            string
	Subject       string
	Authenticated bool
}

// Anonymous returns the identity for an unauthenticated caller.
func Anonymous(clientIP string) Identity {
	if clientIP == "" {
		clientIP = "unknown"
	}
	return Identity{ID: "anon:" + clientIP}
}

// User returns the identity for a verified subject.
func User(subject string) Identity {
	return Identity{ID: "user:" + subject, Subject: subject, Authenticated: true}
}

// Claims are the JWT claims Lumen reads.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier. With an empty secret every token is rejected.
// A non-empty issuer must match the token's iss claim.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify validates token and returns the caller's identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: verification is not configured", ErrInvalidToken)
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	return User(claims.Subject), nil
}

// Resolve turns an optional bearer credential into an identity.
//
// A missing or unverifiable credential yields the anonymous identity for
// clientIP unless required is set, in which case the verification error is
// returned.
func (v *Verifier) Resolve(credential, clientIP string, required bool) (Identity, error) {
	if credential == "" {
		if required {
			return Identity{}, ErrMissingCredential
		}
		return Anonymous(clientIP), nil
	}
	id, err := v.Verify(credential)
	if err != nil {
		if required {
			return Identity{}, err
		}
		return Anonymous(clientIP), nil
	}
	return id, nil
}

// Issue signs a token for subject valid for ttl.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("auth: cannot issue tokens without a secret")
	}
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	h := strings.TrimSpace(header)
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
