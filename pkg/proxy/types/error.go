package types

import "net/http"

// ErrorResponse is the body of every error the proxy generates itself.
type ErrorResponse struct {
	// Error contains the error details.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains detailed error information.
type ErrorDetail struct {
	// Message is a human-readable error message.
	Message string `json:"message"`

	// Type categorizes the error and selects the HTTP status.
	// Possible values: "invalid_request_error", "not_found",
	// "server_error", "bad_gateway", "service_unavailable",
	// "gateway_timeout".
	Type string `json:"type"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`
}

// Error type constants.
const (
	// ErrorTypeInvalidRequest indicates a malformed client request (400).
	ErrorTypeInvalidRequest = "invalid_request_error"

	// ErrorTypeNotFound indicates no route matched the request (404).
	ErrorTypeNotFound = "not_found"

	// ErrorTypeServerError indicates an internal proxy error (500).
	ErrorTypeServerError = "server_error"

	// ErrorTypeBadGateway indicates a backend protocol or I/O error (502).
	ErrorTypeBadGateway = "bad_gateway"

	// ErrorTypeServiceUnavailable indicates no backend could take the request (503).
	ErrorTypeServiceUnavailable = "service_unavailable"

	// ErrorTypeGatewayTimeout indicates a backend or pool timeout (504).
	ErrorTypeGatewayTimeout = "gateway_timeout"
)

// Error code constants for common error scenarios.
const (
	// CodeNoRoute indicates no route matched host and path.
	CodeNoRoute = "no_route"

	// CodeNoBackend indicates every candidate backend was unavailable.
	CodeNoBackend = "no_backend"

	// CodeBackendTimeout indicates the backend or the connection pool timed out.
	CodeBackendTimeout = "backend_timeout"

	// CodeBackendError indicates the backend exchange failed before response headers.
	CodeBackendError = "backend_error"

	// CodeShuttingDown indicates the proxy is shutting down.
	CodeShuttingDown = "shutting_down"

	// CodeInternalError indicates an internal server error.
	CodeInternalError = "internal_error"
)

// NewErrorResponse creates a new error response with the given details.
func NewErrorResponse(message, errorType, code string) *ErrorResponse {
	return &ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    errorType,
			Code:    code,
		},
	}
}

// NewNotFoundError creates an error response for unmatched requests (404).
func NewNotFoundError(message string) *ErrorResponse {
	return NewErrorResponse(message, ErrorTypeNotFound, CodeNoRoute)
}

// NewServerError creates an error response for internal server errors (500).
func NewServerError(message string) *ErrorResponse {
	return NewErrorResponse(message, ErrorTypeServerError, CodeInternalError)
}

// NewBadGatewayError creates an error response for backend exchange errors (502).
func NewBadGatewayError(message string) *ErrorResponse {
	return NewErrorResponse(message, ErrorTypeBadGateway, CodeBackendError)
}

// NewServiceUnavailableError creates an error response when no backend is available (503).
func NewServiceUnavailableError(message string) *ErrorResponse {
	return NewErrorResponse(message, ErrorTypeServiceUnavailable, CodeNoBackend)
}

// NewGatewayTimeoutError creates an error response for backend timeouts (504).
func NewGatewayTimeoutError(message string) *ErrorResponse {
	return NewErrorResponse(message, ErrorTypeGatewayTimeout, CodeBackendTimeout)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error type.
func (e *ErrorDetail) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeServerError:
		return http.StatusInternalServerError
	case ErrorTypeBadGateway:
		return http.StatusBadGateway
	case ErrorTypeServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
