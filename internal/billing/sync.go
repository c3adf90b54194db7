package billing

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/repo"
)

var syncs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "billing_syncs_total",
		Help: "Subscription syncs from the billing platform by outcome (synced|unknown_customer|error).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(syncs)
}

// Synchronizer copies the billing platform's subscription state onto user
// records. It is the only writer of subscription state after signup.
type Synchronizer struct {
	DB      *gorm.DB
	Gateway Gateway
}

// NewSynchronizer constructs a Synchronizer.
func NewSynchronizer(db *gorm.DB, gw Gateway) *Synchronizer {
	return &Synchronizer{DB: db, Gateway: gw}
}

// SyncFromBilling overwrites the subscription state of the user linked to
// customerID with the platform's current view. It returns nil state and
// nil error when no user is linked to the customer yet. Repeated calls
// without a billing change store the same state.
func (s *Synchronizer) SyncFromBilling(ctx context.Context, customerID string) (*domain.SubscriptionState, error) {
	ctx, span := otel.Tracer("billing/Synchronizer").Start(ctx, "SyncFromBilling")
	defer span.End()
	l := zerolog.Ctx(ctx).With().Str("component", "billing").Str("customer_id", customerID).Logger()

	u, err := repo.FindUserByStripeCustomer(ctx, s.DB, customerID)
	if errors.Is(err, repo.ErrNotFound) {
		syncs.WithLabelValues("unknown_customer").Inc()
		l.Warn().Msg("no user linked to billing customer; skipping sync")
		return nil, nil
	}
	if err != nil {
		syncs.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	sub, err := s.Gateway.LatestSubscription(ctx, customerID)
	if err != nil {
		syncs.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}
	state := StateFromSubscription(sub)
	if err := repo.WriteSubscription(ctx, s.DB, u.ID, state); err != nil {
		syncs.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	syncs.WithLabelValues("synced").Inc()
	l.Info().Str("user_id", u.ID).Str("status", state.Status).Msg("subscription synced")
	return &state, nil
}

// StateFromSubscription maps a platform subscription to the stored state.
// A nil subscription yields the inactive state with every field cleared.
func StateFromSubscription(sub *stripe.Subscription) domain.SubscriptionState {
	if sub == nil {
		return domain.SubscriptionState{Status: domain.SubscriptionInactive}
	}
	st := domain.SubscriptionState{
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.ID != "" {
		id := sub.ID
		st.StripeSubscriptionID = &id
	}
	if sub.Items != nil {
		for _, it := range sub.Items.Data {
			if it != nil && it.Price != nil && it.Price.ID != "" {
				price := it.Price.ID
				st.Plan = &price
				break
			}
		}
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		st.CurrentPeriodEnd = &end
	}
	if pm := sub.DefaultPaymentMethod; pm != nil && pm.Card != nil {
		st.PaymentMethod = &domain.PaymentMethod{Brand: string(pm.Card.Brand), Last4: pm.Card.Last4}
	}
	return st
}
