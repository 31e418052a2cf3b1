package session

// Error describes an authentication related failure in a transport agnostic format.
type Error struct {
	// Code is a short machine readable identifier.
	Code string `json:"code,omitempty"`
	// Message is a human readable description of the failure.
	Message string `json:"message"`
	// Retryable indicates whether a retry might fix the issue automatically.
	Retryable bool `json:"retryable"`
	// HTTPStatus optionally records the HTTP status that produced the error.
	HTTPStatus int `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// StatusCode exposes the HTTP status for callers that branch on it.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

// Well-known error codes used across the session package.
const (
	CodeNetworkError       = "network_error"
	CodeInvalidCredentials = "invalid_credentials"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidTransition  = "invalid_flow_transition"
	CodeValidationFailed   = "validation_failed"
)

// connectionMessage is the generic message surfaced for transport failures so
// callers never see raw dial or timeout errors.
const connectionMessage = "unable to reach the server, please check your connection"

// ErrInvalidTransition is returned when an OTP-gated flow step is attempted out of order.
var ErrInvalidTransition = &Error{
	Code:    CodeInvalidTransition,
	Message: "operation not allowed in the current flow state",
}
