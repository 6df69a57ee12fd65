package session

import (
	"context"
	"errors"
	"strings"

	"github.com/example/ride-dash/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is what the sign-in provider vouches for.
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Session is the caller's authenticated context. It is passed explicitly to
// every lifecycle, feed and tracker operation; Role is fixed at sign-in.
type Session struct {
	UserID      string      `json:"uid"`
	Email       string      `json:"email"`
	DisplayName string      `json:"displayName"`
	Phone       string      `json:"phoneNumber,omitempty"`
	Role        models.Role `json:"role"`
}

// Name is the label shown to the other party of a ride.
func (s Session) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Email
}

func (s Session) IsDriver() bool { return s.Role == models.RoleDriver }

func fromUser(u *models.User) Session {
	return Session{UserID: u.ID, Email: u.Email, DisplayName: u.DisplayName, Phone: u.PhoneNumber, Role: u.Role}
}

// RolePolicy derives a role from an identity's email using a configured
// allow-list of driver addresses.
type RolePolicy struct {
	drivers map[string]struct{}
}

func NewRolePolicy(driverEmails []string) RolePolicy {
	p := RolePolicy{drivers: make(map[string]struct{}, len(driverEmails))}
	for _, e := range driverEmails {
		if e = normalizeEmail(e); e != "" {
			p.drivers[e] = struct{}{}
		}
	}
	return p
}

func (p RolePolicy) RoleFor(email string) models.Role {
	if _, ok := p.drivers[normalizeEmail(email)]; ok {
		return models.RoleDriver
	}
	return models.RolePassenger
}

func normalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }

type ctxKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session attached by WithSession.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
