package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// credentialExpiry extracts the expiration timestamp from a bearer credential
// when it happens to be a JWT. The signature is not verified; the server
// remains the authority on validity, this only schedules the next background
// re-verification. Opaque tokens report no expiry.
func credentialExpiry(credential string) (time.Time, bool) {
	if credential == "" {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(credential, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	if exp.Time.IsZero() || exp.Time.Unix() <= 0 {
		return time.Time{}, false
	}
	return exp.Time, true
}

// nextVerifyDelay converts a credential expiry into a re-verification delay,
// clamped so a far-future or already-passed expiry still yields a sane cycle.
func nextVerifyDelay(credential string, fallback time.Duration) time.Duration {
	const minDelay = 30 * time.Second
	exp, ok := credentialExpiry(credential)
	if !ok {
		return fallback
	}
	delay := time.Until(exp)
	if delay < minDelay {
		return minDelay
	}
	if delay > fallback {
		return fallback
	}
	return delay
}
