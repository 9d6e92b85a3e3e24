package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/escrow/internal/audit/domain"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"github.com/smallbiznis/escrow/internal/money"
	"github.com/smallbiznis/escrow/pkg/db/pagination"
	"gorm.io/gorm"
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
	Type      string            `json:"type"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message"`
	DisputeID string            `json:"dispute_id,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
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

	if isValidationError(err) {
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

	if blocked, ok := domain.IsDisputeBlocked(err); ok {
		return http.StatusConflict, errorPayload{
			Type:      "dispute_blocked",
			Code:      "dispute_blocked",
			Message:   "an active dispute blocks this action",
			DisputeID: blocked.DisputeID,
		}
	}

	if domain.IsStateConflict(err) {
		code := stateConflictCode(err)
		message := err.Error()
		if code == domain.ErrConcurrentModification.Error() {
			message = "order was modified concurrently, retry the request"
		}
		return http.StatusConflict, errorPayload{
			Type:    "state_conflict",
			Code:    code,
			Message: message,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, domain.ErrDisputeCheckUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type and code the
// client sees.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	}
	return domain.IsValidation(err)
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrMilestoneNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

var stateConflicts = []error{
	domain.ErrInvalidTransition,
	domain.ErrMilestoneAlreadyReleased,
	domain.ErrMilestoneRequired,
	domain.ErrReviewNotPending,
	domain.ErrReviewPending,
	domain.ErrReviewRejected,
	domain.ErrRefundNotPending,
	domain.ErrRefundUnderReview,
	domain.ErrInsufficientHeld,
	domain.ErrOrderOnHold,
	domain.ErrNotOnHold,
	domain.ErrConcurrentModification,
}

func stateConflictCode(err error) string {
	for _, target := range stateConflicts {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "state_conflict"
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, domain.ErrInvalidAction),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, domain.ErrInvalidActor):
		return "invalid_actor"
	case errors.Is(err, domain.ErrInvalidReasonCode):
		return domain.ErrInvalidReasonCode.Error()
	case errors.Is(err, domain.ErrInvalidReconciliationStatus):
		return domain.ErrInvalidReconciliationStatus.Error()
	case errors.Is(err, domain.ErrInvalidRefundReason):
		return domain.ErrInvalidRefundReason.Error()
	case errors.Is(err, domain.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return "invalid_page_token"
	case errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return "invalid_time_range"
	default:
		return "invalid_request"
	}
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
