package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/reachmix-backend/internal/auth"
)

// ErrorWriter renders a service error as an HTTP response and aborts.
type ErrorWriter func(c *gin.Context, err error)

// QuotaEnforcer applies a persistent per-operation rate limit.
type QuotaEnforcer interface {
	Enforce(ctx context.Context, rc auth.RequestContext, op string) error
}

// AnonymousQuota charges op to callers without a verified identity, keyed
// by client address. Authenticated callers pass through; their quota is
// applied by the services.
func AnonymousQuota(q QuotaEnforcer, op string, fail ErrorWriter) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := auth.FromGin(c)
		if !rc.Authenticated {
			if err := q.Enforce(c.Request.Context(), rc, op); err != nil {
				fail(c, err)
				return
			}
		}
		c.Next()
	}
}

// EnsureUser runs ensure for every authenticated caller so the user record
// exists before any handler reads it.
func EnsureUser(ensure func(ctx context.Context, rc auth.RequestContext) error, fail ErrorWriter) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := auth.FromGin(c)
		if rc.Authenticated {
			if err := ensure(c.Request.Context(), rc); err != nil {
				fail(c, err)
				return
			}
		}
		c.Next()
	}
}
