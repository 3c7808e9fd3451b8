package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LaneJS/aiaca/internal/authorization"
	idempotencysvc "github.com/LaneJS/aiaca/internal/idempotency/service"
	webhookdomain "github.com/LaneJS/aiaca/internal/webhook/domain"
)

type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *apiError) Error() string { return e.Message }

var (
	ErrNotFound = &apiError{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: "resource not found",
	}
	ErrUnauthorized = &apiError{
		Status:  http.StatusUnauthorized,
		Code:    "unauthorized",
		Message: "authentication required",
	}
	ErrForbidden = &apiError{
		Status:  http.StatusForbidden,
		Code:    "forbidden",
		Message: "permission denied",
	}
	ErrServiceUnavailable = &apiError{
		Status:  http.StatusServiceUnavailable,
		Code:    "service_unavailable",
		Message: "service unavailable",
	}
	ErrTooManyRequests = &apiError{
		Status:  http.StatusTooManyRequests,
		Code:    "rate_limited",
		Message: "too many requests",
	}
)

func invalidRequestError() *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Code:    "invalid_request",
		Message: "request could not be parsed",
	}
}

func newValidationError(field, code, message string) *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Code:    code,
		Message: message,
		Field:   field,
	}
}

// AbortWithError maps service errors onto HTTP responses. Unrecognized
// errors become an opaque 500 so internals never leak to callers.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
		return
	}

	switch {
	case errors.Is(err, webhookdomain.ErrInvalidSignature),
		errors.Is(err, webhookdomain.ErrMalformedPayload):
		AbortWithError(c, &apiError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_signature",
			Message: "webhook signature verification failed",
		})
	case errors.Is(err, webhookdomain.ErrSecretNotConfigured):
		AbortWithError(c, &apiError{
			Status:  http.StatusInternalServerError,
			Code:    "not_configured",
			Message: "webhook secret is not configured",
		})
	case errors.Is(err, idempotencysvc.ErrMissingKey):
		AbortWithError(c, newValidationError("Idempotency-Key", "missing_idempotency_key", "Idempotency-Key header is required"))
	case errors.Is(err, idempotencysvc.ErrConflict):
		AbortWithError(c, &apiError{
			Status:  http.StatusConflict,
			Code:    "idempotency_conflict",
			Message: "request with this idempotency key was already admitted",
		})
	case errors.Is(err, authorization.ErrForbidden):
		AbortWithError(c, ErrForbidden)
	case errors.Is(err, authorization.ErrInvalidActor):
		AbortWithError(c, ErrUnauthorized)
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "internal server error"},
		})
	}
}
