// Package subscription maps a user's subscription state to plan limits and
// answers quota questions for the project manager.
package subscription

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/repo"
)

// FailClosed is the policy's lookup-failure behavior: when the user record
// cannot be read, quota checks deny.
const FailClosed = true

// ReasonDataNotFound is returned when the user record cannot be loaded.
const ReasonDataNotFound = "data not found"

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Policy resolves plan limits for users.
type Policy struct {
	DB     *gorm.DB
	Limits config.Limits
	// PriceIDs maps billing price ids to plan names.
	PriceIDs map[string]string
}

// NewPolicy constructs a Policy.
func NewPolicy(db *gorm.DB, limits config.Limits, priceIDs map[string]string) *Policy {
	return &Policy{DB: db, Limits: limits, PriceIDs: priceIDs}
}

// LimitsFor returns the limits of a subscription. Only an active
// subscription with a known plan (by name or billing price id) unlocks that
// plan; everything else gets trial limits.
func (p *Policy) LimitsFor(status, plan string) config.PlanLimits {
	trial, _ := p.Limits.Plan(config.PlanTrial)
	if status != domain.SubscriptionActive || plan == "" {
		return trial
	}
	if name, ok := p.PriceIDs[plan]; ok {
		plan = name
	}
	if pl, ok := p.Limits.Plan(plan); ok {
		return pl
	}
	return trial
}

// LimitsForUser returns the limits of u's current subscription.
func (p *Policy) LimitsForUser(u *domain.User) config.PlanLimits {
	plan := ""
	if u.Subscription.Plan != nil {
		plan = *u.Subscription.Plan
	}
	return p.LimitsFor(u.Subscription.Status, plan)
}

// CanCreateProject checks currentCount against the user's project quota.
func (p *Policy) CanCreateProject(ctx context.Context, userID string, currentCount int) Decision {
	lim, ok := p.userLimits(ctx, userID)
	if !ok {
		return Decision{Allowed: !FailClosed, Reason: ReasonDataNotFound}
	}
	if lim.MaxProjects != config.Unlimited && currentCount >= lim.MaxProjects {
		return Decision{Reason: fmt.Sprintf("maximum number of projects (%d) for your plan", lim.MaxProjects)}
	}
	return Decision{Allowed: true}
}

// CanSelectLanguages checks requested against the user's language quota.
func (p *Policy) CanSelectLanguages(ctx context.Context, userID string, requested int) Decision {
	lim, ok := p.userLimits(ctx, userID)
	if !ok {
		return Decision{Allowed: !FailClosed, Reason: ReasonDataNotFound}
	}
	if lim.MaxLanguages != config.Unlimited && requested > lim.MaxLanguages {
		return Decision{Reason: fmt.Sprintf("maximum number of languages (%d) for your plan", lim.MaxLanguages)}
	}
	return Decision{Allowed: true}
}

// HasFeature reports whether the user's plan includes feature. Lookup
// failures report false.
func (p *Policy) HasFeature(ctx context.Context, userID, feature string) bool {
	lim, ok := p.userLimits(ctx, userID)
	if !ok {
		return false
	}
	return slices.Contains(lim.Features, config.FeatureAll) || slices.Contains(lim.Features, feature)
}

func (p *Policy) userLimits(ctx context.Context, userID string) (config.PlanLimits, bool) {
	u, err := repo.GetUser(ctx, p.DB, userID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("subscription lookup failed")
		return config.PlanLimits{}, false
	}
	return p.LimitsForUser(u), true
}
