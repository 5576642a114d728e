// Package errors provides the service error taxonomy shared by the ledger
// bindings, the reconciliation engine and the admin API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	CodeUnauthorized          ErrorCode = "Unauthorized"
	CodeUnknownEntity         ErrorCode = "UnknownEntity"
	CodeInvalidState          ErrorCode = "InvalidState"
	CodeInsufficientFunds     ErrorCode = "InsufficientFunds"
	CodeInvalidGoal           ErrorCode = "InvalidGoal"
	CodeInvalidArgument       ErrorCode = "InvalidArgument"
	CodeTransactionTimeout    ErrorCode = "TransactionTimeout"
	CodeTransactionRejected   ErrorCode = "TransactionRejected"
	CodeResolutionFailed      ErrorCode = "ResolutionFailed"
	CodeMirrorWriteFailed     ErrorCode = "MirrorWriteFailed"
	CodeReconciliationPending ErrorCode = "ReconciliationPending"
	CodeRateLimitExceeded     ErrorCode = "RateLimitExceeded"
	CodeInvalidToken          ErrorCode = "InvalidToken"
	CodeInternal              ErrorCode = "Internal"
	CodeTryAgainLater         ErrorCode = "TryAgainLater"
)

// ServiceError is the error type returned across package boundaries.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ServiceError with the same code, so callers
// can match with errors.Is(err, &ServiceError{Code: CodeInvalidState}).
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns the error with an additional detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError with the default HTTP status for code.
func New(code ErrorCode, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: statusFor(code)}
}

// Wrap creates a ServiceError wrapping err.
func Wrap(code ErrorCode, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: statusFor(code), Err: err}
}

func statusFor(code ErrorCode) int {
	switch code {
	case CodeUnauthorized, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeUnknownEntity:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeInsufficientFunds, CodeInvalidGoal, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeTransactionTimeout, CodeReconciliationPending, CodeTryAgainLater:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Constructors
// =============================================================================

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message)
}

func UnknownEntity(kind string, id interface{}) *ServiceError {
	return New(CodeUnknownEntity, fmt.Sprintf("%s %v does not exist", kind, id)).
		WithDetails("kind", kind).
		WithDetails("id", fmt.Sprint(id))
}

func InvalidState(message string) *ServiceError {
	return New(CodeInvalidState, message)
}

func InsufficientFunds(requested, available string) *ServiceError {
	return New(CodeInsufficientFunds, "withdrawal exceeds project balance").
		WithDetails("requested", requested).
		WithDetails("available", available)
}

func InvalidGoal() *ServiceError {
	return New(CodeInvalidGoal, "goal must be greater than zero")
}

func InvalidArgument(message string) *ServiceError {
	return New(CodeInvalidArgument, message)
}

func TransactionTimeout(txHash string) *ServiceError {
	return New(CodeTransactionTimeout, "transaction outcome unknown").WithDetails("tx_hash", txHash)
}

func TransactionRejected(txHash string, err error) *ServiceError {
	return Wrap(CodeTransactionRejected, "transaction rejected by node", err).WithDetails("tx_hash", txHash)
}

func ResolutionFailed(txHash string, strategies []string) *ServiceError {
	return New(CodeResolutionFailed, "token id could not be resolved").
		WithDetails("tx_hash", txHash).
		WithDetails("strategies", strategies)
}

func MirrorWriteFailed(entity string, err error) *ServiceError {
	return Wrap(CodeMirrorWriteFailed, "mirror write failed", err).WithDetails("entity", entity)
}

func ReconciliationPending(entity string) *ServiceError {
	return New(CodeReconciliationPending, "entity has unreconciled writes").WithDetails("entity", entity)
}

func RateLimitExceeded(limit float64, burst int) *ServiceError {
	return New(CodeRateLimitExceeded, "submission rate exceeded").
		WithDetails("limit", limit).
		WithDetails("burst", burst)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(CodeInvalidToken, "invalid or expired token", err)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, err)
}

// =============================================================================
// Inspection
// =============================================================================

// GetServiceError extracts a ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the code of err, or CodeInternal if err is not a ServiceError.
func CodeOf(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

var userVisible = map[ErrorCode]bool{
	CodeUnauthorized:      true,
	CodeUnknownEntity:     true,
	CodeInvalidState:      true,
	CodeInsufficientFunds: true,
	CodeInvalidGoal:       true,
	CodeInvalidArgument:   true,
	CodeRateLimitExceeded: true,
	CodeInvalidToken:      true,
}

// UserFacing maps err to what a caller may see. Domain rejections pass
// through; everything else becomes a generic try-again-later error.
func UserFacing(err error) *ServiceError {
	if err == nil {
		return nil
	}
	se := GetServiceError(err)
	if se != nil && userVisible[se.Code] {
		return &ServiceError{Code: se.Code, Message: se.Message, HTTPStatus: se.HTTPStatus, Details: se.Details}
	}
	return New(CodeTryAgainLater, "request accepted but not yet complete, try again later")
}

// FromRevert maps a ledger fault message of the form "<Code>: <message>"
// back to a ServiceError. Unknown prefixes become TransactionRejected.
func FromRevert(txHash, exception string) *ServiceError {
	code, msg, found := strings.Cut(exception, ":")
	if found {
		switch c := ErrorCode(strings.TrimSpace(code)); c {
		case CodeUnauthorized, CodeUnknownEntity, CodeInvalidState, CodeInsufficientFunds, CodeInvalidGoal, CodeInvalidArgument:
			return New(c, strings.TrimSpace(msg)).WithDetails("tx_hash", txHash)
		}
	}
	return TransactionRejected(txHash, errors.New(exception))
}
