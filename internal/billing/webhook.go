package billing

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/apperr"
	"github.com/tbourn/reachmix-backend/internal/repo"
)

// ErrInvalidSignature is returned for a delivery that fails verification.
var ErrInvalidSignature = apperr.New(apperr.InvalidArgument, "signature verification failed")

var webhookEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Billing webhook deliveries by outcome (synced|ignored|no_customer|rejected|error).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(webhookEvents)
}

// handledEvents are the event types that trigger a subscription sync.
var handledEvents = map[stripe.EventType]bool{
	"checkout.session.completed":           true,
	"customer.subscription.created":        true,
	"customer.subscription.updated":        true,
	"customer.subscription.deleted":        true,
	"customer.subscription.paused":         true,
	"customer.subscription.resumed":        true,
	"customer.subscription.trial_will_end": true,
	"invoice.paid":                         true,
	"invoice.payment_succeeded":            true,
	"invoice.payment_failed":               true,
}

// Webhook verifies and handles billing platform deliveries.
type Webhook struct {
	Secret string
	DB     *gorm.DB
	Sync   *Synchronizer
}

// NewWebhook constructs a Webhook.
func NewWebhook(secret string, db *gorm.DB, sync *Synchronizer) *Webhook {
	return &Webhook{Secret: secret, DB: db, Sync: sync}
}

// Handle verifies payload against the signature header and, for a handled
// event type, syncs the customer's subscription. Unhandled types and
// events without a customer are acknowledged without action.
func (w *Webhook) Handle(ctx context.Context, payload []byte, signature string) error {
	l := zerolog.Ctx(ctx).With().Str("component", "billing_webhook").Logger()
	if w.Secret == "" {
		webhookEvents.WithLabelValues("error").Inc()
		return errNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		webhookEvents.WithLabelValues("rejected").Inc()
		l.Warn().Err(err).Msg("webhook signature verification failed")
		return ErrInvalidSignature
	}
	l = l.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()

	if !handledEvents[event.Type] {
		webhookEvents.WithLabelValues("ignored").Inc()
		l.Debug().Msg("webhook event ignored")
		return nil
	}
	if event.Data == nil {
		webhookEvents.WithLabelValues("no_customer").Inc()
		l.Warn().Msg("webhook event has no data")
		return nil
	}

	var obj eventObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		webhookEvents.WithLabelValues("error").Inc()
		return apperr.Wrap(apperr.InvalidArgument, "invalid event payload", err)
	}
	if obj.Customer.ID == "" {
		webhookEvents.WithLabelValues("no_customer").Inc()
		l.Warn().Msg("webhook event has no customer; dropped")
		return nil
	}

	if event.Type == "checkout.session.completed" && obj.ClientReferenceID != "" {
		w.linkCustomer(ctx, l, obj.ClientReferenceID, obj.Customer.ID)
	}

	if _, err := w.Sync.SyncFromBilling(ctx, obj.Customer.ID); err != nil {
		webhookEvents.WithLabelValues("error").Inc()
		l.Error().Err(err).Str("customer_id", obj.Customer.ID).Msg("subscription sync failed")
		return apperr.Wrap(apperr.Internal, "failed to sync subscription", err)
	}
	webhookEvents.WithLabelValues("synced").Inc()
	return nil
}

// linkCustomer records the customer on the user who started the checkout
// when that user has no customer yet.
func (w *Webhook) linkCustomer(ctx context.Context, l zerolog.Logger, userID, customerID string) {
	u, err := repo.GetUser(ctx, w.DB, userID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			l.Error().Err(err).Str("user_id", userID).Msg("checkout user lookup failed")
		}
		return
	}
	if u.StripeCustomerID != nil && *u.StripeCustomerID != "" {
		return
	}
	if err := repo.SetStripeCustomerID(ctx, w.DB, userID, customerID); err != nil {
		l.Error().Err(err).Str("user_id", userID).Msg("linking billing customer failed")
	}
}

// eventObject is the part of an event's data object the webhook reads.
type eventObject struct {
	Customer          customerRef `json:"customer"`
	ClientReferenceID string      `json:"client_reference_id"`
}

// customerRef accepts a customer given either as an id or an expanded
// object.
type customerRef struct {
	ID string
}

func (c *customerRef) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		c.ID = id
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	c.ID = obj.ID
	return nil
}
