// Package billing connects accounts to the billing platform: it creates
// customers and hosted checkout/portal sessions, verifies webhook
// deliveries, and re-derives each user's subscription state from the
// platform.
package billing

import (
	"context"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// Gateway is the subset of the billing platform the package uses.
type Gateway interface {
	// LatestSubscription returns the customer's most recent subscription in
	// any status, or nil if there is none.
	LatestSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error)
	// CreateCustomer creates a customer tagged with the user id.
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	// CheckoutURL opens a subscription checkout session for one price.
	CheckoutURL(ctx context.Context, customerID, userID, priceID, successURL, cancelURL string) (string, error)
	// PortalURL opens a customer portal session.
	PortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}

// StripeGateway implements Gateway with a Stripe API client.
type StripeGateway struct {
	API *client.API
}

// NewStripeGateway returns a gateway authenticated with secretKey.
func NewStripeGateway(secretKey string) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeGateway{API: sc}
}

func (g *StripeGateway) LatestSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.Single = true
	params.AddExpand("data.default_payment_method")

	it := g.API.Subscriptions.List(params)
	if it.Next() {
		return it.Subscription(), nil
	}
	return nil, it.Err()
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{"user_id": userID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx
	cust, err := g.API.Customers.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (g *StripeGateway) CheckoutURL(ctx context.Context, customerID, userID, priceID, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.Context = ctx
	sess, err := g.API.CheckoutSessions.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

func (g *StripeGateway) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := g.API.BillingPortalSessions.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}
