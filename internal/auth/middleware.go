package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// FailFunc writes an error response and aborts the chain.
type FailFunc func(c *gin.Context, status int, code, msg string)

// Middleware resolves the caller for every request. A request without an
// Authorization header continues as anonymous; a present but invalid header
// is rejected with 401. On success the caller id is also stored under the
// "userID" Gin key for access logs.
func Middleware(v *Verifier, fail FailFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := RequestContext{ClientAddr: c.ClientIP()}
		lg := zerolog.Ctx(c.Request.Context())

		if header := c.GetHeader("Authorization"); header != "" {
			token, ok := extractBearerToken(header)
			if !ok {
				lg.Warn().Msg("auth failure: malformed Authorization header")
				fail(c, http.StatusUnauthorized, "unauthenticated", "invalid authorization header")
				return
			}
			if v == nil {
				fail(c, http.StatusUnauthorized, "unauthenticated", "auth verifier not configured")
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				lg.Warn().Err(err).Msg("auth failure: token invalid")
				fail(c, http.StatusUnauthorized, "unauthenticated", "invalid token")
				return
			}
			rc.CallerID = claims.Subject
			rc.Email = claims.Email
			rc.Authenticated = true
			c.Set("userID", claims.Subject)
		}

		c.Request = c.Request.WithContext(WithRequestContext(c.Request.Context(), rc))
		c.Next()
	}
}

// FromGin returns the RequestContext resolved by Middleware.
func FromGin(c *gin.Context) RequestContext {
	return FromContext(c.Request.Context())
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
