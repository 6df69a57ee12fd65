package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks ID tokens minted by the identity provider and yields the
// Identity they assert. Sign-in trusts nothing else about the caller.
type Verifier struct {
	issuer   string
	audience string
	methods  []string
	key      any
}

// NewHMACVerifier accepts HS256 tokens signed with secret.
func NewHMACVerifier(issuer, audience, secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("identity secret is empty")
	}
	return &Verifier{issuer: issuer, audience: audience, methods: []string{jwt.SigningMethodHS256.Alg()}, key: []byte(secret)}, nil
}

// NewRSAVerifier accepts RS256 tokens signed by the holder of the PEM
// encoded public key.
func NewRSAVerifier(issuer, audience string, pemKey []byte) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("identity public key: %w", err)
	}
	return &Verifier{issuer: issuer, audience: audience, methods: []string{jwt.SigningMethodRS256.Alg()}, key: key}, nil
}

func (v *Verifier) Verify(idToken string) (Identity, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return Identity{}, fmt.Errorf("%w: missing id token", ErrUnauthenticated)
	}
	claims := &idTokenClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods(v.methods))
	if _, err := parser.ParseWithClaims(idToken, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	switch {
	case claims.ExpiresAt == nil:
		return Identity{}, fmt.Errorf("%w: id token has no expiry", ErrUnauthenticated)
	case v.issuer != "" && !claims.VerifyIssuer(v.issuer, true):
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrUnauthenticated, claims.Issuer)
	case v.audience != "" && !claims.VerifyAudience(v.audience, true):
		return Identity{}, fmt.Errorf("%w: token not issued for this app", ErrUnauthenticated)
	case claims.Subject == "" || claims.Email == "":
		return Identity{}, fmt.Errorf("%w: id token lacks subject or email", ErrUnauthenticated)
	case claims.EmailVerified != nil && !*claims.EmailVerified:
		return Identity{}, fmt.Errorf("%w: email not verified", ErrUnauthenticated)
	}
	return Identity{UID: claims.Subject, Email: claims.Email, DisplayName: claims.Name}, nil
}
