package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/storage"
)

// Service creates and refreshes user records at sign-in.
type Service struct {
	users  storage.UserStore
	policy RolePolicy
	logger *slog.Logger
	now    func() time.Time
}

func NewService(users storage.UserStore, policy RolePolicy, logger *slog.Logger) *Service {
	return &Service{
		users:  users,
		policy: policy,
		logger: logger.With("component", "session"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SignIn loads or creates the user for id. The role is recomputed from the
// policy on every call and the stored record corrected if it drifted. A
// non-empty phone is persisted.
func (s *Service) SignIn(ctx context.Context, id Identity, phone string) (Session, error) {
	if id.UID == "" || id.Email == "" {
		return Session{}, fmt.Errorf("%w: uid and email are required", ErrUnauthenticated)
	}
	role := s.policy.RoleFor(id.Email)
	phone = strings.TrimSpace(phone)

	u, err := s.users.GetUser(ctx, id.UID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		u = &models.User{
			ID:          id.UID,
			Email:       id.Email,
			DisplayName: id.DisplayName,
			Role:        role,
			PhoneNumber: phone,
			CreatedAt:   s.now(),
		}
		if err := s.users.SaveUser(ctx, u); err != nil {
			return Session{}, fmt.Errorf("create user: %w", err)
		}
		s.logger.Info("user_created", "uid", u.ID, "role", u.Role)
		return fromUser(u), nil
	case err != nil:
		return Session{}, fmt.Errorf("load user: %w", err)
	}

	dirty := false
	if u.Role != role {
		s.logger.Warn("role_corrected", "uid", u.ID, "from", u.Role, "to", role)
		u.Role = role
		dirty = true
	}
	if phone != "" && phone != u.PhoneNumber {
		u.PhoneNumber = phone
		dirty = true
	}
	if u.DisplayName == "" && id.DisplayName != "" {
		u.DisplayName = id.DisplayName
		dirty = true
	}
	if dirty {
		if err := s.users.SaveUser(ctx, u); err != nil {
			return Session{}, fmt.Errorf("save user: %w", err)
		}
	}
	return fromUser(u), nil
}

// Resume rebuilds a session from the stored user, picking up profile edits
// made since the token was issued. The role stays the one in sess.
func (s *Service) Resume(ctx context.Context, sess Session) (Session, error) {
	u, err := s.users.GetUser(ctx, sess.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, ErrUnauthenticated
	}
	if err != nil {
		return Session{}, err
	}
	out := fromUser(u)
	out.Role = sess.Role
	return out, nil
}

// Profile holds the user-editable fields. Nil fields are left unchanged.
type Profile struct {
	DisplayName *string `json:"displayName"`
	PhoneNumber *string `json:"phoneNumber"`
}

func (s *Service) UpdateProfile(ctx context.Context, sess Session, p Profile) (Session, error) {
	u, err := s.users.GetUser(ctx, sess.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, ErrUnauthenticated
	}
	if err != nil {
		return Session{}, err
	}
	if p.DisplayName != nil {
		u.DisplayName = strings.TrimSpace(*p.DisplayName)
	}
	if p.PhoneNumber != nil {
		u.PhoneNumber = strings.TrimSpace(*p.PhoneNumber)
	}
	if err := s.users.SaveUser(ctx, u); err != nil {
		return Session{}, fmt.Errorf("save user: %w", err)
	}
	out := fromUser(u)
	out.Role = sess.Role
	return out, nil
}

// RememberPhone stores phone on the user when it is new.
func (s *Service) RememberPhone(ctx context.Context, userID, phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.PhoneNumber == phone {
		return nil
	}
	u.PhoneNumber = phone
	return s.users.SaveUser(ctx, u)
}
