package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/dojoflow/internal/checkout/domain"
	checkoutsvc "github.com/smallbiznis/dojoflow/internal/checkout/service"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
	"github.com/smallbiznis/dojoflow/internal/payment/webhook"
	plandomain "github.com/smallbiznis/dojoflow/internal/plan/domain"
	settingsdomain "github.com/smallbiznis/dojoflow/internal/settings/domain"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{Field: field, Code: code, Message: message},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, invoicedomain.ErrInvalidTransition),
		errors.Is(err, checkoutsvc.ErrInvoiceNotOpen),
		errors.Is(err, plandomain.ErrUnknownBillingCycle):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "invalid_state",
			Message: err.Error(),
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}
	case errors.Is(err, paymentdomain.ErrInvalidPayload):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_payload",
			Message: "webhook payload could not be decoded",
		}
	case errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, checkoutdomain.ErrSessionNotFound),
		errors.Is(err, settingsdomain.ErrSettingsNotFound),
		errors.Is(err, settingsdomain.ErrConfigNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, webhook.ErrRetryLater):
		// A 5xx tells the provider to redeliver later.
		return http.StatusInternalServerError, errorPayload{
			Type:    "retry_later",
			Message: "event cannot be applied yet",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
