package executor

import (
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/gaborage/go-shelf/problem"
)

// ClientError is the error surface every failed exchange reports through.
// Callers branch on Type instead of matching concrete types.
type ClientError interface {
	error
	Type() ErrorType
}

// ErrorType defines the category of client error
type ErrorType string

const (
	// TransientError covers failures a backoff retry can recover from:
	// timeouts, dropped connections, no network.
	TransientError ErrorType = "transient"
	// CancelledError covers user interruption: a cancelled request or a
	// declined authentication challenge. Never retried.
	CancelledError ErrorType = "cancelled"
	// ProblemError carries a structured problem document from the server.
	ProblemError ErrorType = "problem"
	// UnauthorizedError is terminal: the token refresh failed, credentials
	// are missing, or the request already used its one retry.
	UnauthorizedError ErrorType = "unauthorized"
	// HTTPError is any other non-2xx response.
	HTTPError ErrorType = "http"
	// TransportError is an unrecognized low-level failure.
	TransportError ErrorType = "transport"
)

// TransientKind distinguishes the recoverable network failures so telemetry
// can group them separately from real errors.
type TransientKind string

const (
	TransientTimeout        TransientKind = "timeout"
	TransientConnectionLost TransientKind = "connection_lost"
	TransientOffline        TransientKind = "offline"
)

// transientError represents a recoverable network failure
type transientError struct {
	kind    TransientKind
	wrapped error
}

func (e *transientError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("transient network error (%s): %v", e.kind, e.wrapped)
	}
	return fmt.Sprintf("transient network error (%s)", e.kind)
}

func (e *transientError) Type() ErrorType {
	return TransientError
}

func (e *transientError) Unwrap() error {
	return e.wrapped
}

// cancelledError represents user interruption
type cancelledError struct {
	wrapped error
}

func (e *cancelledError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("request cancelled: %v", e.wrapped)
	}
	return "request cancelled"
}

func (e *cancelledError) Type() ErrorType {
	return CancelledError
}

func (e *cancelledError) Unwrap() error {
	return e.wrapped
}

// problemError carries a parsed problem document
type problemError struct {
	doc        *problem.Document
	statusCode int
}

func (e *problemError) Error() string {
	return fmt.Sprintf("server reported problem: %s", e.doc.String())
}

func (e *problemError) Type() ErrorType {
	return ProblemError
}

func (e *problemError) StatusCode() int {
	return e.statusCode
}

// unauthorizedError represents a terminal authentication failure
type unauthorizedError struct {
	message string
	wrapped error
}

func (e *unauthorizedError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("unauthorized: %s: %v", e.message, e.wrapped)
	}
	return fmt.Sprintf("unauthorized: %s", e.message)
}

func (e *unauthorizedError) Type() ErrorType {
	return UnauthorizedError
}

func (e *unauthorizedError) Unwrap() error {
	return e.wrapped
}

// httpError represents a non-2xx response outside the refresh path
type httpError struct {
	statusCode int
	headers    nethttp.Header
	body       []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP request failed with status %d", e.statusCode)
}

func (e *httpError) Type() ErrorType {
	return HTTPError
}

func (e *httpError) StatusCode() int {
	return e.statusCode
}

// Headers returns the response headers for diagnostics.
func (e *httpError) Headers() nethttp.Header {
	return e.headers
}

// Body returns the response body for diagnostics.
func (e *httpError) Body() []byte {
	return e.body
}

// transportError represents an unrecognized low-level failure
type transportError struct {
	wrapped error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.wrapped)
}

func (e *transportError) Type() ErrorType {
	return TransportError
}

func (e *transportError) Unwrap() error {
	return e.wrapped
}

// NewTransientError creates a transient network error of the given kind
func NewTransientError(kind TransientKind, wrapped error) ClientError {
	return &transientError{kind: kind, wrapped: wrapped}
}

// NewCancelledError creates a cancellation error
func NewCancelledError(wrapped error) ClientError {
	return &cancelledError{wrapped: wrapped}
}

// NewProblemError creates an error carrying a parsed problem document
func NewProblemError(doc *problem.Document, statusCode int) ClientError {
	return &problemError{doc: doc, statusCode: statusCode}
}

// NewUnauthorizedError creates a terminal authentication error
func NewUnauthorizedError(message string, wrapped error) ClientError {
	return &unauthorizedError{message: message, wrapped: wrapped}
}

// NewHTTPError creates an error for a non-2xx response
func NewHTTPError(statusCode int, headers nethttp.Header, body []byte) ClientError {
	return &httpError{statusCode: statusCode, headers: headers, body: body}
}

// NewTransportError creates an error for an unrecognized transport failure
func NewTransportError(wrapped error) ClientError {
	return &transportError{wrapped: wrapped}
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	var clientErr ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type() == errorType
	}
	return false
}

// StatusCode extracts the HTTP status code from an error, if it carries one.
func StatusCode(err error) (int, bool) {
	var withStatus interface {
		error
		StatusCode() int
	}
	if errors.As(err, &withStatus) {
		return withStatus.StatusCode(), true
	}
	return 0, false
}

// Problem extracts the problem document from an error, if it carries one.
func Problem(err error) (*problem.Document, bool) {
	var pe *problemError
	if errors.As(err, &pe) {
		return pe.doc, true
	}
	return nil, false
}

// TransientKindOf extracts the transient kind from an error, if it is one.
func TransientKindOf(err error) (TransientKind, bool) {
	var te *transientError
	if errors.As(err, &te) {
		return te.kind, true
	}
	return "", false
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
