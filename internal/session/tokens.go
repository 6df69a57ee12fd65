package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/ride-dash/internal/models"
)

type Claims struct {
	UserID string      `json:"uid"`
	Role   models.Role `json:"role"`
	Email  string      `json:"email"`
	Name   string      `json:"name,omitempty"`
	Phone  string      `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(s Session) (string, error) {
	now := t.now()
	claims := Claims{
		UserID: s.UserID,
		Role:   s.Role,
		Email:  s.Email,
		Name:   s.DisplayName,
		Phone:  s.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse verifies a token, optionally prefixed with "Bearer ".
func (t *Tokens) Parse(token string) (Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Session{}, ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return Session{}, ErrUnauthenticated
	}
	return Session{
		UserID:      claims.UserID,
		Email:       claims.Email,
		DisplayName: claims.Name,
		Phone:       claims.Phone,
		Role:        claims.Role,
	}, nil
}
