// Package handlers defines the error codes returned in the JSON envelope and
// the mapping from service error kinds to HTTP statuses.
//
// Codes are lowercase snake_case and stable; clients branch on them. The
// kind-derived codes mirror apperr.Kind one to one; the rest are transport
// level and never produced by services.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/reachmix-backend/internal/apperr"
)

const (
	ErrCodeUnauthenticated   = string(apperr.Unauthenticated)
	ErrCodeInvalidArgument   = string(apperr.InvalidArgument)
	ErrCodePermissionDenied  = string(apperr.PermissionDenied)
	ErrCodeNotFound          = string(apperr.NotFound)
	ErrCodeResourceExhausted = string(apperr.ResourceExhausted)
	ErrCodeInternal          = string(apperr.Internal)

	// Transport only:
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodePayloadTooLarge  = "payload_too_large"
)

var kindStatus = map[apperr.Kind]int{
	apperr.Unauthenticated:   http.StatusUnauthorized,
	apperr.InvalidArgument:   http.StatusBadRequest,
	apperr.PermissionDenied:  http.StatusForbidden,
	apperr.NotFound:          http.StatusNotFound,
	apperr.ResourceExhausted: http.StatusTooManyRequests,
	apperr.Internal:          http.StatusInternalServerError,
}

// StatusOf returns the HTTP status for err's kind.
func StatusOf(err error) int {
	if st, ok := kindStatus[apperr.KindOf(err)]; ok {
		return st
	}
	return http.StatusInternalServerError
}

// failErr writes err using its kind. Untyped errors become a generic 500 and
// are logged with the cause; the cause never reaches the client.
func failErr(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			_ = c.Error(err)
		}
	}
	fail(c, status, string(kind), apperr.MessageOf(err))
}

// FailErr is the exported variant of failErr, for middleware wiring.
func FailErr(c *gin.Context, err error) { failErr(c, err) }
