package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	authorizationdomain "github.com/howie/coaching-transcript-tool-sub007/internal/authorization/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/plan"
	"github.com/howie/coaching-transcript-tool-sub007/internal/scheduler"
	subscriptiondomain "github.com/howie/coaching-transcript-tool-sub007/internal/subscription/domain"
)

// APIError is the single shape every handler failure is rendered as.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string { return e.Code }

var (
	ErrNotFound     = &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "resource not found"}
	ErrUnauthorized = &APIError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "missing or invalid credentials"}
	ErrForbidden    = &APIError{Status: http.StatusForbidden, Code: "forbidden", Message: "not allowed"}
)

func invalidRequestError() *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "request body could not be parsed"}
}

func newValidationError(field, code, message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: code, Message: message, Field: field}
}

// AbortWithError translates domain sentinels into HTTP responses. Anything
// unrecognized is a 500 with no detail leaked.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, plan.ErrUnknownPlan):
		status, code = http.StatusBadRequest, "unknown_plan"
	case errors.Is(err, authorizationdomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrUnknownSubscription),
		errors.Is(err, scheduler.ErrAttemptNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, authorizationdomain.ErrOpenSubscription):
		status, code = http.StatusConflict, "owner_has_open_subscription"
	case errors.Is(err, authorizationdomain.ErrNotActive):
		status, code = http.StatusConflict, "authorization_not_active"
	case errors.Is(err, subscriptiondomain.ErrAlreadyCanceled):
		status, code = http.StatusConflict, "already_canceled"
	case errors.Is(err, scheduler.ErrClaimConflict):
		status, code = http.StatusConflict, "retry_in_progress"
	case errors.Is(err, scheduler.ErrAttemptNotRetryable):
		status, code = http.StatusConflict, "attempt_not_retryable"
	}

	message := "internal error"
	if status != http.StatusInternalServerError {
		message = err.Error()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": &APIError{Status: status, Code: code, Message: message}})
}
