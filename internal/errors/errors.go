package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Gateway / session lifecycle
	ErrCodeConnectFailed ErrorCode = "CONNECT_FAILED"
	ErrCodeAuthFailed    ErrorCode = "AUTH_FAILED"
	ErrCodeCallTimeout   ErrorCode = "CALL_TIMEOUT"
	ErrCodeDisconnected  ErrorCode = "DISCONNECTED"

	// Remote action outcome
	ErrCodeCallFailed ErrorCode = "CALL_FAILED"
	ErrCodeNotRunning ErrorCode = "NOT_RUNNING"

	// Admission control
	ErrCodeAdmissionRejected ErrorCode = "ADMISSION_REJECTED"
	ErrCodeCooldownActive    ErrorCode = "COOLDOWN_ACTIVE"

	// Validation / resources
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeConflict   ErrorCode = "CONFLICT"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError is a structured error that can be returned to operators
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Hint is the actionable next step shown alongside the failure.
	Hint  string `json:"hint,omitempty"`
	cause error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithHint adds a next-step hint to the error
func (e *AppError) WithHint(hint string) *AppError {
	e.Hint = hint
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func ConnectFailed(cause error) *AppError {
	return Wrap(ErrCodeConnectFailed, "gateway connection failed", cause).
		WithHint("check network reachability and start the account again")
}

func AuthFailed(message string) *AppError {
	return New(ErrCodeAuthFailed, message).
		WithHint("the login code is no longer valid; rebind the account with a fresh code")
}

func CallTimeout(method string) *AppError {
	return New(ErrCodeCallTimeout, fmt.Sprintf("request timeout: %s", method)).
		WithHint("the gateway did not answer in time; retry shortly")
}

func Disconnected(reason string) *AppError {
	return New(ErrCodeDisconnected, fmt.Sprintf("gateway disconnected: %s", reason)).
		WithHint("start the account to reconnect")
}

func CallFailed(method string, code int, message string) *AppError {
	return New(ErrCodeCallFailed, fmt.Sprintf("%s rejected: code=%d %s", method, code, message)).
		WithHint("the game refused the action; check stock, gold and land state")
}

func NotRunning(accountID string) *AppError {
	return New(ErrCodeNotRunning, fmt.Sprintf("account %s is not running", accountID)).
		WithHint("start the account first")
}

func AdmissionRejected(message string) *AppError {
	return New(ErrCodeAdmissionRejected, message).
		WithHint("too many commands in flight; try again shortly")
}

func CooldownActive(message string) *AppError {
	return New(ErrCodeCooldownActive, message).
		WithHint("wait for the cooldown to elapse and retry")
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsAuthFailure reports whether err is a credential/session rejection that
// must never be retried by the start supervisor.
func IsAuthFailure(err error) bool {
	return GetCode(err) == ErrCodeAuthFailed
}

// IsRetryable reports whether a start failure is worth another connect
// attempt. Auth rejections and validation problems are permanent; transient
// network and timeout failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch GetCode(err) {
	case ErrCodeConnectFailed, ErrCodeCallTimeout, ErrCodeDisconnected:
		return true
	default:
		return false
	}
}
