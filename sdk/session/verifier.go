package session

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/subashmuthub/labauth/internal/identity"
)

// DefaultVerifyTimeout bounds a single background verification call so a slow
// network never stalls the caller.
const DefaultVerifyTimeout = 5 * time.Second

// VerifyResult reports the outcome of a session verification call.
type VerifyResult struct {
	// Valid is meaningful only when Known is true.
	Valid bool
	// Known distinguishes a definitive server answer from a transport failure
	// or timeout. Unknown results must never retract a session.
	Known bool
	// Reason describes why the session was rejected, for logging.
	Reason string
}

// Verifier confirms a restored session against the identity service. Transport
// failures and timeouts are deliberately reported as unknown rather than
// invalid: network flakiness must never log a real user out.
type Verifier struct {
	client  *identity.Client
	timeout time.Duration
	group   singleflight.Group
}

// NewVerifier builds a verifier; a non-positive timeout applies the default.
func NewVerifier(client *identity.Client, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &Verifier{client: client, timeout: timeout}
}

// Verify issues one bounded verification call. Concurrent callers for the same
// credential collapse onto a single in-flight request.
func (v *Verifier) Verify(ctx context.Context, credential string) VerifyResult {
	result, _, _ := v.group.Do(credential, func() (any, error) {
		return v.verifyOnce(ctx, credential), nil
	})
	return result.(VerifyResult)
}

func (v *Verifier) verifyOnce(ctx context.Context, credential string) VerifyResult {
	verifyCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	err := v.client.Verify(verifyCtx, credential)
	switch {
	case err == nil:
		return VerifyResult{Valid: true, Known: true}
	case identity.IsTransport(err) || verifyCtx.Err() != nil:
		log.Debugf("session verification inconclusive, keeping session: %v", err)
		return VerifyResult{Known: false, Reason: err.Error()}
	case isRejection(err):
		return VerifyResult{Valid: false, Known: true, Reason: err.Error()}
	default:
		// A 5xx or other non-verdict status says nothing about the credential.
		log.Debugf("session verification inconclusive, keeping session: %v", err)
		return VerifyResult{Known: false, Reason: err.Error()}
	}
}

// isRejection reports whether err is a definitive server verdict on the
// session: an unauthorized status, or success=false on an otherwise
// successful response.
func isRejection(err error) bool {
	if identity.IsUnauthorized(err) {
		return true
	}
	var apiErr *identity.APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 200 && apiErr.Status < 300
}
