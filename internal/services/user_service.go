// Package services – UserService
//
// Account bootstrap, profile and deletion. The user row is created on the
// first authenticated request with a trial subscription; deletion removes
// the user and every project they own in one transaction.
package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/repo"
)

// LimitsResolver derives plan limits from a user's subscription.
type LimitsResolver interface {
	LimitsForUser(u *domain.User) config.PlanLimits
}

// Profile is a user together with their effective plan limits.
type Profile struct {
	User   *domain.User      `json:"user"`
	Limits config.PlanLimits `json:"limits"`
}

// UserService manages the caller's own account.
type UserService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Limiter applies api.authenticated; may be nil.
	Limiter RateEnforcer
	// Limits resolves the profile's plan limits.
	Limits LimitsResolver
}

// NewUserService constructs a UserService.
func NewUserService(db *gorm.DB, limiter RateEnforcer, limits LimitsResolver) *UserService {
	return &UserService{DB: db, Limiter: limiter, Limits: limits}
}

// EnsureUser creates the caller's user row with a trial subscription if it
// does not exist yet. It is not rate limited.
func (s *UserService) EnsureUser(ctx context.Context, rc auth.RequestContext) (*domain.User, error) {
	if !rc.Authenticated || rc.CallerID == "" {
		return nil, ErrUnauthenticated
	}
	return repo.EnsureUser(ctx, s.DB, rc.CallerID, rc.Email)
}

// Me returns the caller's profile.
func (s *UserService) Me(ctx context.Context, rc auth.RequestContext) (*Profile, error) {
	if err := s.admit(ctx, rc); err != nil {
		return nil, err
	}
	u, err := repo.GetUser(ctx, s.DB, rc.CallerID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.ProjectIDs == nil {
		u.ProjectIDs = []string{}
	}
	return &Profile{User: u, Limits: s.Limits.LimitsForUser(u)}, nil
}

// DeleteAccount deletes the caller and all of their projects. It returns
// the number of projects removed.
func (s *UserService) DeleteAccount(ctx context.Context, rc auth.RequestContext) (int64, error) {
	if err := s.admit(ctx, rc); err != nil {
		return 0, err
	}
	var removed int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := repo.DeleteProjectsByUser(ctx, tx, rc.CallerID)
		if err != nil {
			return err
		}
		if err := repo.DeleteUser(ctx, tx, rc.CallerID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	zerolog.Ctx(ctx).Info().Str("user_id", rc.CallerID).Int64("projects", removed).Msg("account deleted")
	return removed, nil
}

func (s *UserService) admit(ctx context.Context, rc auth.RequestContext) error {
	if !rc.Authenticated || rc.CallerID == "" {
		return ErrUnauthenticated
	}
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Enforce(ctx, rc, config.OpAPIAuthenticated)
}
