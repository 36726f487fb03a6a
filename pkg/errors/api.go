package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// APIErrorType is the stable error taxonomy exposed to clients. Each type maps
// to exactly one HTTP status code.
type APIErrorType string

const (
	// TypeValidation covers bad request shapes, schema violations and
	// rejected sync-delete preconditions (HTTP 400).
	TypeValidation APIErrorType = "VALIDATION_ERROR"
	// TypeAuth covers missing or invalid credentials (HTTP 401).
	TypeAuth APIErrorType = "AUTH_ERROR"
	// TypeQuotaExhausted signals an upstream usage cap (HTTP 402).
	TypeQuotaExhausted APIErrorType = "QUOTA_EXHAUSTED"
	// TypeAccountBanned signals revoked upstream credentials; never retried (HTTP 403).
	TypeAccountBanned APIErrorType = "ACCOUNT_BANNED"
	// TypeForbidden signals a valid key used outside its scope, e.g. an
	// explicit account pinned from another group (HTTP 403).
	TypeForbidden APIErrorType = "FORBIDDEN"
	// TypeNotFound signals an absent resource (HTTP 404).
	TypeNotFound APIErrorType = "NOT_FOUND"
	// TypeConflict covers version conflicts, duplicate keys and deadlocks
	// that survived retries (HTTP 409).
	TypeConflict APIErrorType = "CONFLICT_ERROR"
	// TypeRateLimited applies to sync-delete and abusive CRUD paths (HTTP 429).
	TypeRateLimited APIErrorType = "RATE_LIMITED"
	// TypeInternal is the fallback; details carry operation + request id (HTTP 500).
	TypeInternal APIErrorType = "INTERNAL_ERROR"
	// TypeUpstreamUnavailable signals vendor or store connectivity failure (HTTP 503).
	TypeUpstreamUnavailable APIErrorType = "UPSTREAM_UNAVAILABLE"
	// TypeNoAvailableAccounts signals that no pooled account could serve (HTTP 503).
	TypeNoAvailableAccounts APIErrorType = "NO_AVAILABLE_ACCOUNTS"
)

// Authentication error codes carried in the 401 body.
const (
	CodeMissingAuthorization       = "missing_authorization"
	CodeInvalidAuthorizationFormat = "invalid_authorization_format"
	CodeInvalidAPIKey              = "invalid_api_key"
	CodeTokenExpired               = "token_expired"
)

// APIError is the error value flowing from biz/service layers to the HTTP
// encoders. Every response body derived from it carries the RequestID.
type APIError struct {
	Type      APIErrorType
	Code      string
	Message   string
	RequestID string

	// CurrentVersion and ServerData are populated for CONFLICT_ERROR so the
	// client can auto-retry against the winner's state.
	CurrentVersion int64
	ServerData     interface{}
	Retryable      bool

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is / errors.As chains.
func (e *APIError) Unwrap() error {
	return e.cause
}

// HTTPStatus returns the status code this taxonomy type maps to.
func (e *APIError) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeAuth:
		return http.StatusUnauthorized
	case TypeQuotaExhausted:
		return http.StatusPaymentRequired
	case TypeAccountBanned, TypeForbidden:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeUpstreamUnavailable, TypeNoAvailableAccounts:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithRequestID attaches the request id. Returns the receiver for chaining.
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// WithCause wraps the underlying error. Returns the receiver for chaining.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// NewValidationError creates a 400 error.
func NewValidationError(format string, args ...interface{}) *APIError {
	return &APIError{Type: TypeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewAuthError creates a 401 error with one of the authentication codes.
func NewAuthError(code, message string) *APIError {
	return &APIError{Type: TypeAuth, Code: code, Message: message}
}

// NewQuotaExhaustedError creates a 402 error.
func NewQuotaExhaustedError(message string) *APIError {
	return &APIError{Type: TypeQuotaExhausted, Message: message}
}

// NewAccountBannedError creates a 403 error.
func NewAccountBannedError(message string) *APIError {
	return &APIError{Type: TypeAccountBanned, Message: message}
}

// NewForbiddenError creates a 403 error for out-of-scope access.
func NewForbiddenError(format string, args ...interface{}) *APIError {
	return &APIError{Type: TypeForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError creates a 404 error.
func NewNotFoundError(format string, args ...interface{}) *APIError {
	return &APIError{Type: TypeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError creates a 409 error carrying the winning version and the
// full server-side representation of the contested row.
func NewConflictError(message string, currentVersion int64, serverData interface{}) *APIError {
	return &APIError{
		Type:           TypeConflict,
		Message:        message,
		CurrentVersion: currentVersion,
		ServerData:     serverData,
		Retryable:      true,
	}
}

// NewRateLimitedError creates a 429 error.
func NewRateLimitedError(message string) *APIError {
	return &APIError{Type: TypeRateLimited, Message: message}
}

// NewInternalError creates a 500 error. The user-facing message stays stable;
// the cause carries the details.
func NewInternalError(operation string, cause error) *APIError {
	return &APIError{
		Type:    TypeInternal,
		Message: fmt.Sprintf("internal error during %s", operation),
		cause:   cause,
	}
}

// NewUpstreamUnavailableError creates a 503 error.
func NewUpstreamUnavailableError(message string) *APIError {
	return &APIError{Type: TypeUpstreamUnavailable, Message: message}
}

// NewNoAvailableAccountsError creates a 503 error naming the pool failure.
func NewNoAvailableAccountsError(message string) *APIError {
	return &APIError{Type: TypeNoAvailableAccounts, Message: message, Retryable: true}
}

// AsAPIError extracts an *APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// FromDatabaseError maps a classified store error into the API taxonomy:
// deadlock / lock wait → CONFLICT, duplicate → CONFLICT, constraint →
// VALIDATION, connection → UPSTREAM_UNAVAILABLE, not found → NOT_FOUND,
// everything else → INTERNAL.
func FromDatabaseError(operation string, err error) *APIError {
	if err == nil {
		return nil
	}
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr
	}

	dbErr := ClassifyDBError(err)
	switch dbErr.Type {
	case ErrorTypeNotFound:
		return NewNotFoundError("record not found").WithCause(err)
	case ErrorTypeDuplicateKey:
		return &APIError{Type: TypeConflict, Message: "duplicate key", cause: err}
	case ErrorTypeDeadlock, ErrorTypeLockWaitTimeout:
		return &APIError{Type: TypeConflict, Message: "storage contention", Retryable: true, cause: err}
	case ErrorTypeConstraintViolation, ErrorTypeInvalidValue, ErrorTypeDataTooLong, ErrorTypeInvalidJSON:
		return NewValidationError("invalid data: %s", dbErr.Message).WithCause(err)
	case ErrorTypeConnectionError:
		return NewUpstreamUnavailableError("storage unavailable").WithCause(err)
	default:
		return NewInternalError(operation, err)
	}
}
