package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"meshcall/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavailable  ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeSignalingState     ErrorCode = "SIGNALING_STATE_VIOLATION"
	ErrCodeTransportFailure   ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeProtocolInvariant  ErrorCode = "PROTOCOL_INVARIANT_VIOLATION"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError carries a taxonomy code, an HTTP status for the membership API
// and optional structured context for logs.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewProtocolError(message string) *AppError {
	return NewAppError(ErrCodeProtocolInvariant, message, http.StatusBadRequest)
}

// FromDomain maps a domain sentinel (possibly wrapped) onto the error
// taxonomy. Unknown errors become INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrPermissionDenied):
		return WrapError(err, ErrCodePermissionDenied, "media permission denied", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrDeviceUnavailable):
		return WrapError(err, ErrCodeDeviceUnavailable, "media device unavailable", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrSignalingState):
		return WrapError(err, ErrCodeSignalingState, "operation invalid in current signaling state", http.StatusConflict)
	case stderrors.Is(err, domain.ErrTransportFailure):
		return WrapError(err, ErrCodeTransportFailure, "peer transport failed", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrProtocolViolation):
		return WrapError(err, ErrCodeProtocolInvariant, "malformed signaling message", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrParticipantNotFound),
		stderrors.Is(err, domain.ErrRoomNotFound),
		stderrors.Is(err, domain.ErrShareNotFound),
		stderrors.Is(err, domain.ErrTileNotFound):
		return WrapError(err, ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrParticipantExists):
		return WrapError(err, ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrInvalidTicket):
		return WrapError(err, ErrCodeUnauthorized, "invalid room ticket", http.StatusUnauthorized)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
