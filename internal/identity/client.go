package identity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultRequestTimeout = 30 * time.Second

// Options configures the identity service client.
type Options struct {
	// BaseURL is the identity service root, e.g. "https://lab.example.com/api".
	BaseURL string
	// CookieMode enables the server-cookie session strategy: responses may set
	// a session cookie which is replayed automatically on later requests.
	CookieMode bool
	// Credential supplies the current bearer token for authenticated requests.
	// Ignored in cookie mode.
	Credential func() string
	// Timeout bounds every request; zero applies the default.
	Timeout time.Duration
	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks JSON to the identity service endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cookieMode bool
	credential func() string
}

// NewClient validates options and builds a client. In cookie mode the client
// carries an in-memory cookie jar for the server-managed session cookie.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("identity: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("identity: invalid base URL: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if opts.CookieMode && httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("identity: cookie jar init failed: %w", err)
		}
		httpClient.Jar = jar
	}

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		cookieMode: opts.CookieMode,
		credential: opts.Credential,
	}, nil
}

// Login exchanges email and password for a session payload.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthPayload, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "email", email)
	body, _ = sjson.SetBytes(body, "password", password)
	respBody, err := c.postJSON(ctx, "/auth/login", body, "")
	if err != nil {
		return nil, err
	}
	return authPayloadFromBody(respBody)
}

// Register submits a new account. The server either establishes a session
// directly or answers with a verification-pending marker; both are successes.
func (c *Client) Register(ctx context.Context, profile map[string]any) (*RegisterOutcome, error) {
	body, err := profileBody(profile)
	if err != nil {
		return nil, err
	}
	respBody, err := c.postJSON(ctx, "/auth/register", body, "")
	if err != nil {
		return nil, err
	}
	if gjson.GetBytes(respBody, "requiresOTP").Bool() {
		email := gjson.GetBytes(respBody, "data.email").String()
		return &RegisterOutcome{RequiresOTP: true, Email: email}, nil
	}
	payload, err := authPayloadFromBody(respBody)
	if err != nil {
		return nil, err
	}
	return &RegisterOutcome{Payload: payload}, nil
}

// RegisterWithOTP completes a verification-gated registration.
func (c *Client) RegisterWithOTP(ctx context.Context, profile map[string]any, code string) (*AuthPayload, error) {
	body, err := profileBody(profile)
	if err != nil {
		return nil, err
	}
	body, _ = sjson.SetBytes(body, "code", code)
	respBody, err := c.postJSON(ctx, "/auth/register-with-otp", body, "")
	if err != nil {
		return nil, err
	}
	return authPayloadFromBody(respBody)
}

// SendOTP asks the server to issue a one-time code to the given address.
func (c *Client) SendOTP(ctx context.Context, email, purpose string) (string, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "email", email)
	body, _ = sjson.SetBytes(body, "purpose", purpose)
	return c.messageOnly(ctx, "/auth/send-otp", body)
}

// VerifyOTP checks a one-time code; success unlocks the flow's next step.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (string, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "email", email)
	body, _ = sjson.SetBytes(body, "code", code)
	return c.messageOnly(ctx, "/auth/verify-otp", body)
}

// ResendOTP re-issues a code, resetting its expiry. Rate limiting is the
// server's concern and surfaces as an APIError.
func (c *Client) ResendOTP(ctx context.Context, email, purpose string) (string, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "email", email)
	body, _ = sjson.SetBytes(body, "purpose", purpose)
	return c.messageOnly(ctx, "/auth/resend-otp", body)
}

// SendPasswordResetOTP issues a reset code to the given address.
func (c *Client) SendPasswordResetOTP(ctx context.Context, email string) (string, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "email", email)
	return c.messageOnly(ctx, "/otp/send-password-reset", body)
}

// ResetPasswordWithOTP sets a new password after code verification. No
// session is established.
func (c *Client) ResetPasswordWithOTP(ctx context.Context, email, code, newPassword string) (string, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "email", email)
	body, _ = sjson.SetBytes(body, "code", code)
	body, _ = sjson.SetBytes(body, "newPassword", newPassword)
	return c.messageOnly(ctx, "/otp/reset-password", body)
}

// OAuthURL fetches the provider authorization URL to open in the browser.
func (c *Client) OAuthURL(ctx context.Context, provider string) (string, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/auth/oauth/"+url.PathEscape(provider), nil, "")
	if err != nil {
		return "", err
	}
	authURL := gjson.GetBytes(respBody, "authUrl").String()
	if authURL == "" {
		authURL = gjson.GetBytes(respBody, "data.authUrl").String()
	}
	if authURL == "" {
		return "", &APIError{Message: "identity: oauth response has no authUrl"}
	}
	return authURL, nil
}

// OAuthCallback exchanges the provider's authorization code for a session.
func (c *Client) OAuthCallback(ctx context.Context, code, state string) (*AuthPayload, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "code", code)
	body, _ = sjson.SetBytes(body, "state", state)
	respBody, err := c.postJSON(ctx, "/auth/oauth/callback", body, "")
	if err != nil {
		return nil, err
	}
	return authPayloadFromBody(respBody)
}

// Verify confirms the session is still valid server-side. The credential
// argument decorates the request in bearer mode; cookie mode relies on the jar.
// A nil return means valid; APIError means explicitly rejected; TransportError
// means unknown.
func (c *Client) Verify(ctx context.Context, credential string) error {
	_, err := c.do(ctx, http.MethodGet, "/auth/verify", nil, credential)
	return err
}

// Logout notifies the server. Callers treat failures as best-effort only.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.postJSON(ctx, "/auth/logout", []byte(`{}`), "")
	return err
}

func (c *Client) messageOnly(ctx context.Context, path string, body []byte) (string, error) {
	respBody, err := c.postJSON(ctx, path, body, "")
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(respBody, "message").String(), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, credential string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, body, credential)
}

// do issues one request and interprets the response envelope. Any network
// failure maps to TransportError; a non-2xx status or success=false maps to
// APIError carrying the server's message.
func (c *Client) do(ctx context.Context, method, path string, body []byte, credential string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("identity: build request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.decorate(req, credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debugf("identity request %s %s failed: %v", method, path, err)
		return nil, &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: serverMessage(respBody, resp.StatusCode)}
	}
	if success := gjson.GetBytes(respBody, "success"); success.Exists() && !success.Bool() {
		return nil, &APIError{Status: resp.StatusCode, Message: serverMessage(respBody, resp.StatusCode)}
	}
	return respBody, nil
}

// decorate attaches the session credential to an outgoing request. In cookie
// mode the jar handles it; in bearer mode the Authorization header is set from
// the explicit credential or the configured credential source.
func (c *Client) decorate(req *http.Request, credential string) {
	if c.cookieMode {
		return
	}
	token := strings.TrimSpace(credential)
	if token == "" && c.credential != nil {
		token = strings.TrimSpace(c.credential())
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func serverMessage(body []byte, status int) string {
	if msg := gjson.GetBytes(body, "message").String(); msg != "" {
		return msg
	}
	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return msg
	}
	return fmt.Sprintf("request failed with status %d", status)
}

func authPayloadFromBody(body []byte) (*AuthPayload, error) {
	user := gjson.GetBytes(body, "data.user")
	if !user.Exists() || !user.IsObject() {
		return nil, &APIError{Message: "identity: response has no user record"}
	}
	return &AuthPayload{
		User:  []byte(user.Raw),
		Token: gjson.GetBytes(body, "data.token").String(),
	}, nil
}

func profileBody(profile map[string]any) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	for key, value := range profile {
		if body, err = sjson.SetBytes(body, key, value); err != nil {
			return nil, fmt.Errorf("identity: encode profile field %q failed: %w", key, err)
		}
	}
	return body, nil
}
