// Package ratelimit implements the sliding-window request limiter backed by
// the rate_limits table, and the reaper that prunes expired records.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/apperr"
	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/repo"
)

// FailOpen is the limiter's storage-failure policy: when the record cannot
// be read or written, the request is admitted and the error is logged.
const FailOpen = true

var decisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Rate limiter decisions by operation and outcome (allowed|limited|error).",
	},
	[]string{"operation", "outcome"},
)

func init() {
	prometheus.MustRegister(decisions)
}

// Limiter enforces the per-operation rate table.
type Limiter struct {
	// DB is the GORM handle holding rate_limits.
	DB *gorm.DB
	// Limits supplies the operation policies.
	Limits config.Limits
	// Now is the clock; tests inject a fixed one.
	Now func() time.Time
}

// New constructs a Limiter using the wall clock.
func New(db *gorm.DB, limits config.Limits) *Limiter {
	return &Limiter{DB: db, Limits: limits, Now: time.Now}
}

// Enforce applies the policy for op to the caller. It returns a
// ResourceExhausted error carrying the policy message when the caller is
// over quota, and nil otherwise (including on storage failure).
func (l *Limiter) Enforce(ctx context.Context, rc auth.RequestContext, op string) error {
	p, ok := l.Limits.Policy(op)
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("operation", op).Msg("no rate policy configured; allowing")
		return nil
	}
	if l.CheckAndRecord(ctx, rc.Identifier(), op, p.Window, p.MaxRequests) {
		return apperr.New(apperr.ResourceExhausted, p.Message)
	}
	return nil
}

// CheckAndRecord reports whether identifier has exhausted op's quota. When
// it has not, the current request is recorded. Rejected requests are not
// recorded.
func (l *Limiter) CheckAndRecord(ctx context.Context, identifier, op string, window time.Duration, maxRequests int) bool {
	ctx, span := otel.Tracer("ratelimit/Limiter").Start(ctx, "CheckAndRecord",
		trace.WithAttributes(attribute.String("operation", op)),
	)
	defer span.End()

	limited, err := l.checkAndRecord(ctx, identifier, op, window, maxRequests)
	if err != nil {
		span.RecordError(err)
		decisions.WithLabelValues(op, "error").Inc()
		zerolog.Ctx(ctx).Error().Err(err).
			Str("operation", op).
			Str("identifier", identifier).
			Msg("rate limit check failed; allowing request")
		return !FailOpen
	}
	if limited {
		decisions.WithLabelValues(op, "limited").Inc()
	} else {
		decisions.WithLabelValues(op, "allowed").Inc()
	}
	return limited
}

func (l *Limiter) checkAndRecord(ctx context.Context, identifier, op string, window time.Duration, maxRequests int) (bool, error) {
	now := l.now()
	key := domain.RateLimitKey(op, identifier)
	limited := false

	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := repo.GetRateLimitForUpdate(ctx, tx, key)
		if repo.IsNotFound(err) {
			_, err = repo.CreateRateLimit(ctx, tx, op, identifier, now)
			return err
		}
		if err != nil {
			return err
		}

		windowStart := now.Add(-window).UnixMilli()
		kept := make([]int64, 0, len(rec.Requests)+1)
		for _, ts := range rec.Requests {
			if ts > windowStart {
				kept = append(kept, ts)
			}
		}
		if len(kept) >= maxRequests {
			limited = true
			return nil
		}
		rec.Requests = append(kept, now.UnixMilli())
		return repo.SetRateLimitRequests(ctx, tx, rec)
	})
	return limited, err
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
