// Package errors defines the error taxonomy shared by the authentication
// pipeline, the token broker and the downstream transport layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// TypeUnauthenticated is returned for a missing, malformed or
	// signature/issuer/expiry-invalid bearer token.
	TypeUnauthenticated = "unauthenticated"

	// TypeForbidden is returned for a valid token that fails the audience
	// check or an authorization policy.
	TypeForbidden = "forbidden"

	// TypeSessionExpired is returned when the subject's access token is
	// expiring and no usable refresh path exists. Terminal: the end user
	// must re-authenticate.
	TypeSessionExpired = "session_expired"

	// TypeExchangeFailed is returned when a token exchange failed and no
	// client-credentials fallback is permitted.
	TypeExchangeFailed = "exchange_failed"

	// TypeTransport is returned for non-2xx or network-level failures
	// talking to the identity provider or a downstream dependency.
	TypeTransport = "transport"
)

// Error represents an error in the authorization pipeline.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// StatusCode is the HTTP status of a failed remote call, when known.
	StatusCode int

	// Body is the response body of a failed remote call, when available.
	Body string
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error type to the status code the surrounding HTTP
// layer should respond with.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeUnauthenticated, TypeSessionExpired:
		return http.StatusUnauthorized
	case TypeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewUnauthenticatedError creates a new unauthenticated error
func NewUnauthenticatedError(message string, cause error) *Error {
	return NewError(TypeUnauthenticated, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(TypeForbidden, message, cause)
}

// NewSessionExpiredError creates a new session expired error
func NewSessionExpiredError(message string, cause error) *Error {
	return NewError(TypeSessionExpired, message, cause)
}

// NewExchangeFailedError creates a new exchange failed error
func NewExchangeFailedError(message string, cause error) *Error {
	return NewError(TypeExchangeFailed, message, cause)
}

// NewTransportError creates a new transport error carrying the remote
// status and body for diagnostics.
func NewTransportError(message string, statusCode int, body string, cause error) *Error {
	return &Error{
		Type:       TypeTransport,
		Message:    message,
		Cause:      cause,
		StatusCode: statusCode,
		Body:       body,
	}
}

// isType checks whether err is an *Error of the given type.
func isType(err error, errorType string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

// IsUnauthenticated checks if the error is an unauthenticated error
func IsUnauthenticated(err error) bool {
	return isType(err, TypeUnauthenticated)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return isType(err, TypeForbidden)
}

// IsSessionExpired checks if the error is a session expired error
func IsSessionExpired(err error) bool {
	return isType(err, TypeSessionExpired)
}

// IsExchangeFailed checks if the error is an exchange failed error
func IsExchangeFailed(err error) bool {
	return isType(err, TypeExchangeFailed)
}

// IsTransport checks if the error is a transport error
func IsTransport(err error) bool {
	return isType(err, TypeTransport)
}
