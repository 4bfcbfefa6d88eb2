package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ServerError represents an error that can be returned to clients.
type ServerError struct {
	Code       int    `json:"code"`
	Message    string `json:"error"`
	Details    string `json:"message,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *ServerError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ServerError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *ServerError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrBadRequest = &ServerError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrUnauthorized = &ServerError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &ServerError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrNotFound = &ServerError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &ServerError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrRequestEntityTooLarge = &ServerError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
	}

	ErrTooManyRequests = &ServerError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrInternalServer = &ServerError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrNotImplemented = &ServerError{
		Code:    http.StatusNotImplemented,
		Message: "Not Implemented",
	}

	ErrServiceUnavailable = &ServerError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &ServerError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ServerError][]byte

func init() {
	bases := []*ServerError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrMethodNotAllowed, ErrRequestEntityTooLarge, ErrTooManyRequests,
		ErrInternalServer, ErrNotImplemented, ErrServiceUnavailable,
		ErrGatewayTimeout,
	}
	preSerialized = make(map[*ServerError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ServerError.
func New(code int, message string) *ServerError {
	return &ServerError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, code int, message string) *ServerError {
	return &ServerError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error.
func (e *ServerError) WithDetails(details string) *ServerError {
	return &ServerError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error.
func (e *ServerError) WithRequestID(requestID string) *ServerError {
	return &ServerError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsServerError checks if an error is a ServerError.
func IsServerError(err error) (*ServerError, bool) {
	if se, ok := err.(*ServerError); ok {
		return se, true
	}
	return nil, false
}
