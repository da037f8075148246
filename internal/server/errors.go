package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openprocure/provena/internal/idempotency"
	ledgerdomain "github.com/openprocure/provena/internal/ledger/domain"
	recdomain "github.com/openprocure/provena/internal/reconciliation/domain"
	sagadomain "github.com/openprocure/provena/internal/saga/domain"
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
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
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

	var insufficient *ledgerdomain.InsufficientFundsError
	if errors.As(err, &insufficient) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_funds",
			Message: insufficient.Error(),
		}
	}

	var overspend *ledgerdomain.OverspendError
	if errors.As(err, &overspend) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "overspend",
			Message: overspend.Error(),
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, recdomain.ErrNoGoodsReceived):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "no_goods_received",
			Message: err.Error(),
		}
	case errors.Is(err, ledgerdomain.ErrLockTimeout):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "lock_timeout",
			Message: "account is busy, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
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
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidBusinessKey),
		errors.Is(err, recdomain.ErrEmptyLines),
		errors.Is(err, recdomain.ErrInvalidLineAmount),
		errors.Is(err, sagadomain.ErrUnknownEvent),
		errors.Is(err, sagadomain.ErrMissingEventKey):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, ledgerdomain.ErrReservationNotFound),
		errors.Is(err, recdomain.ErrOrderNotFound),
		errors.Is(err, recdomain.ErrInvoiceNotFound),
		errors.Is(err, sagadomain.ErrSagaNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrAccountExists),
		errors.Is(err, ledgerdomain.ErrAccountClosed),
		errors.Is(err, ledgerdomain.ErrAccountSuspended),
		errors.Is(err, ledgerdomain.ErrReservationNotActive),
		errors.Is(err, ledgerdomain.ErrOutstandingReservations),
		errors.Is(err, recdomain.ErrOrderExists),
		errors.Is(err, recdomain.ErrInvoiceExists),
		errors.Is(err, sagadomain.ErrSagaTerminal),
		errors.Is(err, idempotency.ErrKeyConflict),
		errors.Is(err, idempotency.ErrInFlight):
		return true
	default:
		return false
	}
}
