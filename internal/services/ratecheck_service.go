package services

import (
	"context"
	"strings"

	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
)

// authOperations are the operations the identity flow may probe.
var authOperations = map[string]bool{
	config.OpAuthSignup:        true,
	config.OpAuthSignin:        true,
	config.OpAuthPasswordReset: true,
}

// RateCheckService lets the client consult the auth.* quotas before it
// talks to the identity provider. A successful check counts as an attempt.
type RateCheckService struct {
	Limiter RateEnforcer
}

// NewRateCheckService constructs a RateCheckService.
func NewRateCheckService(l RateEnforcer) *RateCheckService {
	return &RateCheckService{Limiter: l}
}

// Check records an attempt at op for the caller and returns a
// ResourceExhausted error when the caller is over quota.
func (s *RateCheckService) Check(ctx context.Context, rc auth.RequestContext, op string) error {
	op = strings.TrimSpace(op)
	if !authOperations[op] {
		return ErrUnknownOperation
	}
	return s.Limiter.Enforce(ctx, rc, op)
}
