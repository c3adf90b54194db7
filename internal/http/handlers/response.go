package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/reachmix-backend/internal/http/middleware"
)

// HeaderIdempotentReplay marks a create answered from a previous request
// with the same Idempotency-Key.
const HeaderIdempotentReplay = "Idempotent-Replay"

// quotaRetryAfter is advertised on 429s from the persistent limiter. The
// sliding windows are minutes long, so clients back off by a whole minute.
const quotaRetryAfter = "60"

// ErrorResponse is the body of every non-2xx response.
//
//	{"request_id": "4b9c…", "code": "not_found", "message": "project not found"}
type ErrorResponse struct {
	// Echo of X-Request-ID
	RequestID string `json:"request_id,omitempty" example:"4b9c8d2e-1f3a-4c5b-9d6e-7f8a9b0c1d2e"`
	// One of the ErrCode* values
	Code string `json:"code" example:"not_found"`
	// Safe to show to end users
	Message string `json:"message" example:"project not found"`
}

// fail aborts with an ErrorResponse. The code is recorded for metrics; 5xx
// responses are also logged with any cause attached via c.Error.
func fail(c *gin.Context, status int, code, msg string) {
	middleware.SetErrorCode(c, code)

	switch {
	case status >= http.StatusInternalServerError:
		ev := middleware.LoggerFrom(c).Error()
		if len(c.Errors) > 0 {
			ev = ev.Str("cause", c.Errors.String())
		}
		ev.Int("status", status).Str("code", code).Str("message", msg).Msg("api error")
	case status == http.StatusTooManyRequests && c.Writer.Header().Get("Retry-After") == "":
		c.Header("Retry-After", quotaRetryAfter)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for the router and middleware.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// replayed answers an idempotent retry with the original resource.
func replayed(c *gin.Context, body any) {
	c.Header(HeaderIdempotentReplay, "true")
	c.JSON(http.StatusOK, body)
}

// notModified answers a conditional GET whose ETag still matches.
func notModified(c *gin.Context, etag string) {
	c.Header("ETag", etag)
	c.Status(http.StatusNotModified)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
