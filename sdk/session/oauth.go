package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/subashmuthub/labauth/internal/browser"
	"github.com/subashmuthub/labauth/internal/identity"
)

// OAuthOptions tunes the browser-based provider login.
type OAuthOptions struct {
	// CallbackPort is the local port the provider redirects back to.
	CallbackPort int
	// NoBrowser skips opening the browser; the URL is printed for manual use.
	NoBrowser bool
	// Timeout bounds the wait for the provider redirect. Defaults to 5 minutes.
	Timeout time.Duration
}

// LoginWithProvider runs the full third-party identity-provider dance: fetch
// the authorization URL from the identity service, send the user's browser
// there, capture the redirect on a local listener, then exchange the
// authorization code for a session.
func (m *Manager) LoginWithProvider(ctx context.Context, provider string, opts OAuthOptions) FlowResult {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return failure(&Error{Code: CodeValidationFailed, Message: "provider is required"})
	}
	logger := flowLogger("oauth_login").WithField("provider", provider)

	authURL, err := m.client.OAuthURL(ctx, provider)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	expectedState := stateFromAuthURL(authURL)

	port := opts.CallbackPort
	if port <= 0 {
		port = 8085
	}
	callback := identity.NewCallbackServer(port)
	if errStart := callback.Start(); errStart != nil {
		logger.Errorf("callback listener failed: %v", errStart)
		return failed(errStart.Error())
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = callback.Stop(stopCtx)
	}()

	if opts.NoBrowser || !browser.IsAvailable() {
		fmt.Printf("Visit the following URL to continue signing in:\n%s\n", authURL)
	} else if errOpen := browser.OpenURL(authURL); errOpen != nil {
		logger.Warnf("failed to open browser: %v", errOpen)
		fmt.Printf("Visit the following URL to continue signing in:\n%s\n", authURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := callback.Wait(waitCtx)
	if err != nil {
		logger.Warnf("no provider redirect received: %v", err)
		return failed("sign-in was not completed in time")
	}
	if result.ErrorMessage != "" {
		return failed(result.ErrorMessage)
	}
	if expectedState != "" && result.State != expectedState {
		logger.Warn("oauth state mismatch, rejecting callback")
		return failed("sign-in response could not be trusted, please try again")
	}
	return m.CompleteOAuth(ctx, result.Code, result.State)
}

// stateFromAuthURL pulls the state parameter the identity service embedded in
// the authorization URL so the callback can be checked against it.
func stateFromAuthURL(authURL string) string {
	parsed, err := url.Parse(authURL)
	if err != nil {
		log.Debugf("unparsable authorization URL: %v", err)
		return ""
	}
	return parsed.Query().Get("state")
}
