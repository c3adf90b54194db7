// Billing handlers.
//
//   - POST /billing/checkout  (hosted checkout URL for a plan)
//   - POST /billing/portal    (customer portal URL)
//   - POST /billing/sync      (re-read the subscription now)
//   - POST /webhooks/stripe   (signed platform events)
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/reachmix-backend/internal/auth"
)

// maxWebhookBody is the largest event payload accepted.
const maxWebhookBody = 64 << 10

// CheckoutRequest names the plan to subscribe to.
type CheckoutRequest struct {
	Plan string `json:"plan" example:"pro"`
}

// URLResponse carries a redirect target on the billing platform.
type URLResponse struct {
	URL string `json:"url" example:"https://checkout.stripe.com/c/pay/cs_test_a1"`
}

// WebhookResponse acknowledges an event.
type WebhookResponse struct {
	Received bool `json:"received" example:"true"`
}

func (h *Handlers) billingConfigured(c *gin.Context) bool {
	if h.billing == nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "billing not configured")
		return false
	}
	return true
}

// Checkout godoc
// @ID          billingCheckout
// @Summary     Start a subscription checkout
// @Tags        Billing
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.CheckoutRequest  true  "Plan"
//
// @Success     200  {object}  handlers.URLResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown plan"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     500  {object}  handlers.ErrorResponse  "Billing unavailable"
// @Router      /billing/checkout [post]
func (h *Handlers) Checkout(c *gin.Context) {
	if !h.billingConfigured(c) {
		return
	}
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "invalid JSON body")
		return
	}
	url, err := h.billing.Checkout(c.Request.Context(), auth.FromGin(c), req.Plan)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, URLResponse{URL: url})
}

// Portal godoc
// @ID          billingPortal
// @Summary     Open the customer portal
// @Tags        Billing
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object}  handlers.URLResponse
// @Failure     400  {object}  handlers.ErrorResponse  "No billing account"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Router      /billing/portal [post]
func (h *Handlers) Portal(c *gin.Context) {
	if !h.billingConfigured(c) {
		return
	}
	url, err := h.billing.Portal(c.Request.Context(), auth.FromGin(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, URLResponse{URL: url})
}

// SyncBilling godoc
// @ID          billingSync
// @Summary     Re-sync the subscription
// @Description Reads the caller's latest subscription from the billing platform and stores it.
// @Tags        Billing
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object}  domain.SubscriptionState
// @Failure     400  {object}  handlers.ErrorResponse  "No billing account"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     500  {object}  handlers.ErrorResponse  "Sync failed"
// @Router      /billing/sync [post]
func (h *Handlers) SyncBilling(c *gin.Context) {
	if !h.billingConfigured(c) {
		return
	}
	st, err := h.billing.SyncCaller(c.Request.Context(), auth.FromGin(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// StripeWebhook godoc
// @ID          stripeWebhook
// @Summary     Billing platform webhook
// @Description Verifies the Stripe-Signature header and syncs the subscription of the event's customer. A sync failure answers 500 so the platform retries.
// @Tags        Billing
// @Accept      json
// @Produce     json
//
// @Param       Stripe-Signature  header  string  true  "Event signature"
//
// @Success     200  {object}  handlers.WebhookResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad signature"
// @Failure     413  {object}  handlers.ErrorResponse  "Payload too large"
// @Failure     500  {object}  handlers.ErrorResponse  "Sync failed"
// @Router      /webhooks/stripe [post]
func (h *Handlers) StripeWebhook(c *gin.Context) {
	if h.webhook == nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "billing not configured")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "payload too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "unreadable body")
		return
	}
	if err := h.webhook.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, WebhookResponse{Received: true})
}
