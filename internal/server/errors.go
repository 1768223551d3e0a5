package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitle/internal/auth"
	"github.com/smallbiznis/entitle/internal/authorization"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/providers/pdf"
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

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrReceiptUnavailable = errors.New("receipt_unavailable")
)

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
		if status == http.StatusTooManyRequests {
			c.Header("Retry-After", "1")
		}
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

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// statusRule maps a set of sentinels to one HTTP status. Rules are checked in
// order, so more specific sentinels come first.
type statusRule struct {
	status  int
	targets []error
}

var statusRules = []statusRule{
	{http.StatusConflict, []error{paymentdomain.ErrIdempotencyMismatch}},
	{http.StatusUnauthorized, []error{
		ErrUnauthorized,
		auth.ErrUnauthorized,
		auth.ErrNotConfigured,
		ledgerdomain.ErrInvalidSignature,
	}},
	{http.StatusForbidden, []error{ErrForbidden, authorization.ErrForbidden}},
	{http.StatusNotFound, []error{
		ErrNotFound,
		paymentdomain.ErrNotFound,
		ledgerdomain.ErrUnknownOrder,
	}},
	{http.StatusConflict, []error{
		ledgerdomain.ErrConflictingPayment,
		ledgerdomain.ErrAlreadyFailed,
		paymentdomain.ErrOrderInProgress,
		ErrReceiptUnavailable,
	}},
	{http.StatusTooManyRequests, []error{paymentdomain.ErrRateLimited}},
	{http.StatusBadGateway, []error{paymentdomain.ErrProcessorRejected}},
	{http.StatusServiceUnavailable, []error{
		paymentdomain.ErrProcessorUnavailable,
		paymentdomain.ErrPartialFailure,
		paymentdomain.ErrTransientStorage,
		ErrServiceUnavailable,
	}},
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// Mismatched idempotency keys are reported as conflicts even though the
	// domain groups them with request validation.
	if !errors.Is(err, paymentdomain.ErrIdempotencyMismatch) && isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	for _, rule := range statusRules {
		for _, target := range rule.targets {
			if errors.Is(err, target) {
				return rule.status, errorPayload{
					Type:    target.Error(),
					Message: strings.ReplaceAll(target.Error(), "_", " "),
				}
			}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog returns the error type and code recorded on request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	case payload.Type == "validation_error" && len(payload.Errors) > 0:
		return "client", payload.Errors[0].Code
	default:
		return "client", payload.Type
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	paymentdomain.ErrInvalidRequest,
	paymentdomain.ErrInvalidUser,
	paymentdomain.ErrInvalidIdempotencyKey,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidCurrency,
	paymentdomain.ErrInvalidPlanType,
	paymentdomain.ErrInvalidCredits,
	authorization.ErrInvalidActor,
	authorization.ErrInvalidRole,
	authorization.ErrInvalidObject,
	authorization.ErrInvalidAction,
	pdf.ErrIncompleteReceipt,
}

func isValidationError(err error) bool {
	if paymentdomain.IsInvalidRequest(err) {
		return true
	}
	for _, target := range validationSentinels {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func validationErrorCode(err error) string {
	for _, target := range validationSentinels {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
