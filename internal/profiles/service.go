// Package profiles manages user profiles and the one-time role choice.
package profiles

import (
	"context"
	"errors"
	"strings"
	"time"

	"familymeal/api/internal/apperr"
	"familymeal/api/internal/identity"
	"familymeal/api/internal/logging"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/store"
)

type Service struct {
	store         store.Store
	policy        *policy.Engine
	allowReassign bool
	logger        logging.Logger
	now           func() time.Time
}

// NewService builds the profile service. allowReassign lets a user change a
// role that is already set.
func NewService(st store.Store, engine *policy.Engine, allowReassign bool, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{store: st, policy: engine, allowReassign: allowReassign, logger: logger, now: time.Now}
}

func actorOf(id identity.Identity) policy.Actor {
	return policy.Actor{UID: id.UID, Email: id.Email}
}

// Ensure returns the caller's profile, creating it without a role on first
// sign-in.
func (s *Service) Ensure(ctx context.Context, id identity.Identity) (store.UserProfile, error) {
	var profile store.UserProfile
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		existing, err := tx.GetProfile(ctx, id.UID)
		if err == nil {
			profile = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := s.now().UTC()
		profile = store.UserProfile{
			UID:         id.UID,
			Email:       id.Email,
			DisplayName: truncateName(id.Name),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.policy.CanCreateUser(actorOf(id), id.UID, profile).Err(); err != nil {
			return err
		}
		return tx.UpsertProfile(ctx, profile)
	})
	return profile, err
}

func (s *Service) Get(ctx context.Context, id identity.Identity) (store.UserProfile, error) {
	if err := s.policy.CanReadUser(actorOf(id), id.UID).Err(); err != nil {
		return store.UserProfile{}, err
	}
	profile, err := s.store.GetProfile(ctx, id.UID)
	if errors.Is(err, store.ErrNotFound) {
		return store.UserProfile{}, apperr.NotFound("Profile not found")
	}
	return profile, err
}

// UpdateDisplayName changes the only client-editable profile field.
func (s *Service) UpdateDisplayName(ctx context.Context, id identity.Identity, name string) (store.UserProfile, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) > policy.MaxDisplayNameLen {
		return store.UserProfile{}, apperr.InvalidArgument("Display name must be at most 60 characters")
	}

	var updated store.UserProfile
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		existing, err := tx.GetProfile(ctx, id.UID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("Profile not found")
		}
		if err != nil {
			return err
		}
		next := existing
		next.DisplayName = name
		next.UpdatedAt = s.now().UTC()
		if err := s.policy.CanUpdateUser(actorOf(id), id.UID, existing, next).Err(); err != nil {
			return err
		}
		updated = next
		return tx.UpsertProfile(ctx, next)
	})
	return updated, err
}

// AssignRole sets the caller's household role. Once set, the role is locked
// unless reassignment is enabled.
func (s *Service) AssignRole(ctx context.Context, id identity.Identity, role string) (store.UserProfile, error) {
	role = strings.TrimSpace(role)
	if !policy.ValidRole(role) {
		return store.UserProfile{}, apperr.InvalidArgument("Unknown role")
	}

	var profile store.UserProfile
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		now := s.now().UTC()
		existing, err := tx.GetProfile(ctx, id.UID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing = store.UserProfile{UID: id.UID, DisplayName: truncateName(id.Name), CreatedAt: now}
		case err != nil:
			return err
		}

		current := existing.RoleValue()
		if current != "" && current != role && !s.allowReassign {
			return apperr.Forbidden("Role is locked")
		}

		email := existing.Email
		if email == "" {
			email = id.Email
		}
		if email == "" {
			return apperr.Forbidden("A verified email is required")
		}

		profile = existing
		profile.Email = email
		profile.Role = &role
		profile.UpdatedAt = now
		return tx.UpsertProfile(ctx, profile)
	})
	if err != nil {
		return store.UserProfile{}, err
	}
	s.logger.Info(ctx, "role assigned", "uid", id.UID, "role", role)
	return profile, nil
}

func truncateName(name string) string {
	runes := []rune(strings.TrimSpace(name))
	if len(runes) > policy.MaxDisplayNameLen {
		runes = runes[:policy.MaxDisplayNameLen]
	}
	return string(runes)
}
