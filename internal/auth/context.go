// Package auth verifies bearer tokens issued by the identity provider and
// carries the resulting caller identity through a request as an explicit
// RequestContext value.
package auth

import (
	"context"
	"strings"
)

type ctxKey int

const requestContextKey ctxKey = iota

// AnonymousIdentifier is the rate-limit identity of a caller with neither a
// verified id nor a network address.
const AnonymousIdentifier = "anonymous"

// RequestContext describes who is calling. It is built once per request by
// Middleware and passed explicitly to services.
type RequestContext struct {
	CallerID      string
	Email         string
	Authenticated bool
	ClientAddr    string
}

// Identifier resolves the rate-limit identity: caller id, else client
// address, else "anonymous".
func (rc RequestContext) Identifier() string {
	if rc.Authenticated && rc.CallerID != "" {
		return rc.CallerID
	}
	if addr := strings.TrimSpace(rc.ClientAddr); addr != "" {
		return addr
	}
	return AnonymousIdentifier
}

// Caller returns an authenticated RequestContext for background work done
// on behalf of userID.
func Caller(userID string) RequestContext {
	return RequestContext{CallerID: userID, Authenticated: userID != ""}
}

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext returns the RequestContext stored in ctx, or an anonymous one.
func FromContext(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey).(RequestContext)
	return rc
}
