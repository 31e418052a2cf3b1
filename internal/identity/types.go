// Package identity implements the HTTP boundary with the identity service.
// It owns wire-level request building and response interpretation; session
// semantics live in sdk/session.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AuthPayload is the session-establishing portion of an identity service
// response: the user profile object and, in bearer deployments, the token.
type AuthPayload struct {
	// User is the raw profile object, decoded by the session layer so unknown
	// profile fields survive untouched.
	User json.RawMessage
	// Token is the bearer credential; empty in cookie deployments.
	Token string
}

// RegisterOutcome distinguishes the two success branches of the two-phase
// registration protocol.
type RegisterOutcome struct {
	// Payload is set when the server established a session directly.
	Payload *AuthPayload
	// RequiresOTP is set when the server demands email verification first.
	RequiresOTP bool
	// Email echoes the address the verification code was issued for.
	Email string
}

// APIError is an application-level failure reported by the identity service.
// Its message is safe to surface to the user verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return fmt.Sprintf("identity: request failed with status %d", e.Status)
	}
	return e.Message
}

// Unauthorized reports whether the failure is an explicit credential
// rejection, the only failure class allowed to retract an existing session.
func (e *APIError) Unauthorized() bool {
	return e != nil && (e.Status == 401 || e.Status == 403)
}

// TransportError wraps a network-level failure (unreachable host, timeout).
// It is never allowed to retract an existing session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e == nil || e.Err == nil {
		return "identity: transport error"
	}
	return "identity: transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsUnauthorized reports whether err is an explicit unauthorized response.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Unauthorized()
}
