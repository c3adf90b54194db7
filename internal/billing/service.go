package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/apperr"
	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/repo"
)

var (
	errNotConfigured = apperr.New(apperr.Internal, "billing not configured")
	errNoCustomer    = apperr.New(apperr.InvalidArgument, "no billing account for this user")
	errUnknownPlan   = apperr.New(apperr.InvalidArgument, "unknown or unavailable plan")
	errUnauth        = apperr.New(apperr.Unauthenticated, "authentication required")
)

// RateEnforcer applies a named rate policy to a caller.
type RateEnforcer interface {
	Enforce(ctx context.Context, rc auth.RequestContext, op string) error
}

// Service exposes the caller-facing billing operations.
type Service struct {
	DB      *gorm.DB
	Gateway Gateway
	Sync    *Synchronizer
	Limiter RateEnforcer

	// Prices maps a plan name to its billing price id.
	Prices      map[string]string
	FrontendURL string
}

// NewService constructs a Service from the billing configuration.
func NewService(db *gorm.DB, gw Gateway, sync *Synchronizer, limiter RateEnforcer, cfg config.StripeConfig) *Service {
	prices := make(map[string]string, len(cfg.PriceIDs))
	for priceID, plan := range cfg.PriceIDs {
		prices[plan] = priceID
	}
	return &Service{
		DB:          db,
		Gateway:     gw,
		Sync:        sync,
		Limiter:     limiter,
		Prices:      prices,
		FrontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
	}
}

// Checkout returns the URL of a hosted checkout for plan, creating the
// caller's billing customer on first use.
func (s *Service) Checkout(ctx context.Context, rc auth.RequestContext, plan string) (string, error) {
	if err := s.admit(ctx, rc); err != nil {
		return "", err
	}
	priceID, ok := s.Prices[strings.ToLower(strings.TrimSpace(plan))]
	if !ok {
		return "", errUnknownPlan
	}
	if s.FrontendURL == "" {
		return "", errNotConfigured
	}
	customerID, err := s.ensureCustomer(ctx, rc)
	if err != nil {
		return "", err
	}
	url, err := s.Gateway.CheckoutURL(ctx, customerID, rc.CallerID, priceID,
		s.FrontendURL+"/billing/success", s.FrontendURL+"/billing/cancel")
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "failed to create checkout session", err)
	}
	return url, nil
}

// Portal returns the URL of the caller's customer portal.
func (s *Service) Portal(ctx context.Context, rc auth.RequestContext) (string, error) {
	if err := s.admit(ctx, rc); err != nil {
		return "", err
	}
	if s.FrontendURL == "" {
		return "", errNotConfigured
	}
	customerID, err := s.customerOf(ctx, rc.CallerID)
	if err != nil {
		return "", err
	}
	url, err := s.Gateway.PortalURL(ctx, customerID, s.FrontendURL+"/settings/billing")
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "failed to create portal session", err)
	}
	return url, nil
}

// SyncCaller re-reads the caller's subscription from the billing platform.
func (s *Service) SyncCaller(ctx context.Context, rc auth.RequestContext) (*domain.SubscriptionState, error) {
	if err := s.admit(ctx, rc); err != nil {
		return nil, err
	}
	customerID, err := s.customerOf(ctx, rc.CallerID)
	if err != nil {
		return nil, err
	}
	st, err := s.Sync.SyncFromBilling(ctx, customerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to sync subscription", err)
	}
	return st, nil
}

func (s *Service) admit(ctx context.Context, rc auth.RequestContext) error {
	if !rc.Authenticated || rc.CallerID == "" {
		return errUnauth
	}
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Enforce(ctx, rc, config.OpAPIAuthenticated)
}

func (s *Service) customerOf(ctx context.Context, userID string) (string, error) {
	u, err := repo.GetUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", errNoCustomer
	}
	if err != nil {
		return "", err
	}
	if u.StripeCustomerID == nil || *u.StripeCustomerID == "" {
		return "", errNoCustomer
	}
	return *u.StripeCustomerID, nil
}

// ensureCustomer returns the caller's billing customer id, creating and
// linking one if needed.
func (s *Service) ensureCustomer(ctx context.Context, rc auth.RequestContext) (string, error) {
	u, err := repo.GetUser(ctx, s.DB, rc.CallerID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return "", err
	}
	if u.StripeCustomerID != nil && *u.StripeCustomerID != "" {
		return *u.StripeCustomerID, nil
	}

	email := u.Email
	if email == "" {
		email = rc.Email
	}
	id, err := s.Gateway.CreateCustomer(ctx, u.ID, email)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "failed to prepare billing", err)
	}
	if err := repo.SetStripeCustomerID(ctx, s.DB, u.ID, id); err != nil {
		return "", err
	}
	zerolog.Ctx(ctx).Info().Str("user_id", u.ID).Str("customer_id", id).Msg("billing customer created")
	return id, nil
}
