// Account and identity-flow handlers.
//
//   - GET    /me               (profile with plan limits)
//   - DELETE /me               (delete the account and every project)
//   - POST   /auth/rate-check  (consult an auth.* quota before signing in)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/reachmix-backend/internal/auth"
)

// DeleteAccountResponse reports what an account deletion removed.
type DeleteAccountResponse struct {
	DeletedProjects int64 `json:"deleted_projects" example:"3"`
}

// RateCheckRequest names the identity operation about to be attempted.
type RateCheckRequest struct {
	Operation string `json:"operation" example:"auth.signin" enums:"auth.signup,auth.signin,auth.passwordReset"`
}

// RateCheckResponse is returned when the attempt is within quota.
type RateCheckResponse struct {
	Allowed bool `json:"allowed" example:"true"`
}

// GetMe godoc
// @ID          getMe
// @Summary     Current user
// @Description Returns the caller's user record, subscription and effective plan limits.
// @Tags        Account
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object}  services.Profile
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Router      /me [get]
func (h *Handlers) GetMe(c *gin.Context) {
	prof, err := h.users.Me(c.Request.Context(), auth.FromGin(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, prof)
}

// DeleteMe godoc
// @ID          deleteMe
// @Summary     Delete account
// @Description Deletes the caller's user record and all of their projects in one transaction.
// @Tags        Account
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object}  handlers.DeleteAccountResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Router      /me [delete]
func (h *Handlers) DeleteMe(c *gin.Context) {
	n, err := h.users.DeleteAccount(c.Request.Context(), auth.FromGin(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, DeleteAccountResponse{DeletedProjects: n})
}

// RateCheck godoc
// @ID          rateCheck
// @Summary     Check an identity-flow quota
// @Description Records an attempt at a sign-up, sign-in or password-reset for the caller (verified id, else client address) and answers 429 when over quota. Works without a token.
// @Tags        Auth
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.RateCheckRequest  true  "Operation"
//
// @Success     200  {object}  handlers.RateCheckResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown operation"
// @Failure     429  {object}  handlers.ErrorResponse  "Too many attempts"
// @Router      /auth/rate-check [post]
func (h *Handlers) RateCheck(c *gin.Context) {
	var req RateCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "invalid JSON body")
		return
	}
	if err := h.rateCheck.Check(c.Request.Context(), auth.FromGin(c), req.Operation); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, RateCheckResponse{Allowed: true})
}
