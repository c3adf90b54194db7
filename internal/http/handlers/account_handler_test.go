package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/tbourn/reachmix-backend/internal/apperr"
	"github.com/tbourn/reachmix-backend/internal/billing"
	"github.com/tbourn/reachmix-backend/internal/services"
)

func TestMe(t *testing.T) {
	users := &stubUsers{deleted: 3}
	r := newTestRouter(New(Deps{Users: users}))

	w := do(t, r, http.MethodGet, "/me", "u1", nil)
	if w.Code != http.StatusOK || decode[services.Profile](t, w).User.ID != "u1" {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	w = do(t, r, http.MethodDelete, "/me", "u1", nil)
	if w.Code != http.StatusOK || decode[DeleteAccountResponse](t, w).DeletedProjects != 3 {
		t.Fatalf("delete me: %d %s", w.Code, w.Body.String())
	}

	users.err = services.ErrUserNotFound
	expectError(t, do(t, r, http.MethodGet, "/me", "ghost", nil), http.StatusNotFound, ErrCodeNotFound)
	users.err = services.ErrUnauthenticated
	expectError(t, do(t, r, http.MethodDelete, "/me", "", nil), http.StatusUnauthorized, ErrCodeUnauthenticated)
}

func TestRateCheck(t *testing.T) {
	rc := &stubRateCheck{}
	r := newTestRouter(New(Deps{RateCheck: rc}))

	w := do(t, r, http.MethodPost, "/auth/rate-check", "", RateCheckRequest{Operation: "auth.signin"})
	if w.Code != http.StatusOK || !decode[RateCheckResponse](t, w).Allowed {
		t.Fatalf("allowed: %d %s", w.Code, w.Body.String())
	}
	if len(rc.ops) != 1 || rc.ops[0] != "auth.signin" {
		t.Fatalf("ops = %v", rc.ops)
	}

	rc.err = apperr.New(apperr.ResourceExhausted, "rate limit exceeded for auth.signin")
	expectError(t, do(t, r, http.MethodPost, "/auth/rate-check", "", RateCheckRequest{Operation: "auth.signin"}), http.StatusTooManyRequests, ErrCodeResourceExhausted)
	rc.err = services.ErrUnknownOperation
	expectError(t, do(t, r, http.MethodPost, "/auth/rate-check", "", RateCheckRequest{Operation: "x"}), http.StatusBadRequest, ErrCodeInvalidArgument)
	expectError(t, do(t, r, http.MethodPost, "/auth/rate-check", "", "nope"), http.StatusBadRequest, ErrCodeInvalidArgument)
}

func TestBilling(t *testing.T) {
	b := &stubBilling{}
	r := newTestRouter(New(Deps{Billing: b}))

	w := do(t, r, http.MethodPost, "/billing/checkout", "u1", CheckoutRequest{Plan: "pro"})
	if w.Code != http.StatusOK || decode[URLResponse](t, w).URL != "https://checkout.example/pro" || b.plan != "pro" {
		t.Fatalf("checkout: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodPost, "/billing/portal", "u1", nil); w.Code != http.StatusOK || decode[URLResponse](t, w).URL == "" {
		t.Fatalf("portal: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodPost, "/billing/sync", "u1", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"active"`) {
		t.Fatalf("sync: %d %s", w.Code, w.Body.String())
	}

	b.err = apperr.New(apperr.InvalidArgument, "no billing account for this user")
	expectError(t, do(t, r, http.MethodPost, "/billing/portal", "u1", nil), http.StatusBadRequest, ErrCodeInvalidArgument)
}

func TestBilling_NotConfigured(t *testing.T) {
	r := newTestRouter(New(Deps{}))
	for _, p := range []string{"/billing/checkout", "/billing/portal", "/billing/sync", "/webhooks/stripe"} {
		er := expectError(t, do(t, r, http.MethodPost, p, "u1", "{}"), http.StatusInternalServerError, ErrCodeInternal)
		if er.Message != "billing not configured" {
			t.Fatalf("%s message = %q", p, er.Message)
		}
	}
}

func TestStripeWebhook(t *testing.T) {
	wh := &stubWebhook{}
	r := newTestRouter(New(Deps{Webhook: wh}))

	w := do(t, r, http.MethodPost, "/webhooks/stripe", "", `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=abc")
	if w.Code != http.StatusOK || !decode[WebhookResponse](t, w).Received {
		t.Fatalf("webhook: %d %s", w.Code, w.Body.String())
	}
	if string(wh.payload) != `{"id":"evt_1"}` || wh.sig != "t=1,v1=abc" {
		t.Fatalf("payload=%q sig=%q", wh.payload, wh.sig)
	}

	wh.err = billing.ErrInvalidSignature
	expectError(t, do(t, r, http.MethodPost, "/webhooks/stripe", "", `{}`), http.StatusBadRequest, ErrCodeInvalidArgument)

	wh.err = apperr.Wrap(apperr.Internal, "subscription sync failed", nil)
	expectError(t, do(t, r, http.MethodPost, "/webhooks/stripe", "", `{}`), http.StatusInternalServerError, ErrCodeInternal)

	big := strings.Repeat("a", maxWebhookBody+1)
	expectError(t, do(t, r, http.MethodPost, "/webhooks/stripe", "", big), http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge)
}
