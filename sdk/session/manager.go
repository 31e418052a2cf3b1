package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/subashmuthub/labauth/internal/identity"
)

// DefaultVerifyInterval is the fallback background re-verification cycle used
// when the credential carries no usable expiry.
const DefaultVerifyInterval = 30 * time.Minute

// ManagerOptions configures a session Manager.
type ManagerOptions struct {
	// Mode selects the bearer-token or cookie session strategy.
	Mode Mode
	// Store owns durable persistence of the session record.
	Store Store
	// Client is the identity service boundary.
	Client *identity.Client
	// VerifyTimeout bounds each verification call; zero applies the default.
	VerifyTimeout time.Duration
	// VerifyInterval is the fallback background verification cycle.
	VerifyInterval time.Duration
}

// Manager is the single source of truth for the authenticated session. It
// owns the in-memory Session exclusively; every read and write from the rest
// of the application goes through it. Restores are optimistic: a stored
// session is published immediately and confirmed in the background.
type Manager struct {
	mode           Mode
	store          Store
	client         *identity.Client
	verifier       *Verifier
	verifyInterval time.Duration

	mu      sync.RWMutex
	session Session
	loading bool

	restoreOnce sync.Once

	subMu       sync.Mutex
	subscribers []chan State

	registration  otpFlow
	passwordReset otpFlow

	verifyKick chan struct{}
}

// NewManager validates options and builds a manager. The manager starts in the
// loading state until Start completes the initial restore.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("session: identity client is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeBearer
	}
	interval := opts.VerifyInterval
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	return &Manager{
		mode:           mode,
		store:          opts.Store,
		client:         opts.Client,
		verifier:       NewVerifier(opts.Client, opts.VerifyTimeout),
		verifyInterval: interval,
		loading:        true,
		verifyKick:     make(chan struct{}, 1),
	}, nil
}

// Start performs the optimistic restore and launches the background
// verification loop. The loading flag transitions true -> false exactly once,
// when the initial restore finishes; later flows never touch it.
func (m *Manager) Start(ctx context.Context) {
	m.restoreOnce.Do(func() {
		record, err := m.store.Load()
		if err != nil {
			log.Warnf("session restore failed, starting unauthenticated: %v", err)
		}

		m.mu.Lock()
		if record != nil && record.User != nil {
			m.session = Session{
				User:          record.User,
				Credential:    record.Credential,
				EstablishedAt: record.EstablishedAt,
			}
			log.Debugf("restored session for %s", record.User.Email)
		}
		m.loading = false
		m.mu.Unlock()
		m.publish()

		go m.verifyLoop(ctx)
		m.requestVerification()
	})
}

// Resync reloads the persisted record and converges the in-memory session to
// it. The cross-context watcher calls this when another process changes the
// session file; an absent record retracts the session.
func (m *Manager) Resync() {
	record, err := m.store.Load()
	if err != nil {
		log.Warnf("session resync failed: %v", err)
		return
	}

	m.mu.Lock()
	if record == nil || record.User == nil {
		if m.session.User == nil {
			m.mu.Unlock()
			return
		}
		m.session = Session{}
		m.mu.Unlock()
		log.Info("session retracted by another context")
		m.publish()
		return
	}
	m.session = Session{
		User:          record.User,
		Credential:    record.Credential,
		EstablishedAt: record.EstablishedAt,
	}
	m.mu.Unlock()
	log.Debugf("session resynced for %s", record.User.Email)
	m.publish()
}

// Flush persists the current in-memory session, a defense against losing
// state that was never written before the process exits.
func (m *Manager) Flush() error {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()

	if session.User == nil {
		return nil
	}
	return m.store.Save(&StorageRecord{
		User:          session.User,
		Credential:    session.Credential,
		EstablishedAt: session.EstablishedAt,
	})
}

// CurrentUser returns a copy of the authenticated user, or nil.
func (m *Manager) CurrentUser() *UserProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.User.Clone()
}

// IsAuthenticated is derived from the session and never stored redundantly.
// It is false while the initial restore is in flight.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.loading && m.session.Established(m.mode)
}

// IsLoading reports whether the initial restore is still in flight.
func (m *Manager) IsLoading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

// AuthorizationHeader returns the value for the Authorization header on
// authenticated requests. Cookie deployments carry no client-side credential,
// so it reports false there.
func (m *Manager) AuthorizationHeader() (string, bool) {
	if m.mode != ModeBearer {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session.Credential == "" {
		return "", false
	}
	return "Bearer " + m.session.Credential, true
}

// Credential exposes the current bearer token for request decoration.
func (m *Manager) Credential() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Credential
}

// Subscribe registers a state observer. The channel is buffered; a slow
// consumer misses intermediate snapshots but always gets the latest state.
func (m *Manager) Subscribe() <-chan State {
	ch := make(chan State, 8)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	ch <- m.snapshot()
	return ch
}

// Login authenticates with email and password and establishes a session.
func (m *Manager) Login(ctx context.Context, email, password string) FlowResult {
	if err := validateLogin(email, password); err != nil {
		return validationFailure(err)
	}
	logger := flowLogger("login")
	payload, err := m.client.Login(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	return m.establish(logger, payload, "signed in")
}

// Register submits a new account. The server decides between establishing a
// session directly and demanding OTP verification first; both outcomes are
// surfaced distinctly and neither is a failure.
func (m *Manager) Register(ctx context.Context, profile map[string]any) FlowResult {
	if err := validateRegistration(profile); err != nil {
		return validationFailure(err)
	}
	logger := flowLogger("register")
	outcome, err := m.client.Register(ctx, profile)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	if outcome.RequiresOTP {
		email := outcome.Email
		if email == "" {
			email, _ = profile["email"].(string)
		}
		if errFlow := m.registration.request(email, "registration"); errFlow != nil {
			return failure(ErrInvalidTransition)
		}
		logger.Infof("registration pending verification for %s", email)
		return otpRequired(email, "verification code sent")
	}
	return m.establish(logger, outcome.Payload, "account created")
}

// SendOTP asks the server to issue a one-time code. When the purpose belongs
// to an OTP-gated flow, the corresponding state machine is armed.
func (m *Manager) SendOTP(ctx context.Context, email, purpose string) FlowResult {
	if err := validateEmail(email); err != nil {
		return validationFailure(err)
	}
	logger := flowLogger("send_otp")
	message, err := m.client.SendOTP(ctx, strings.TrimSpace(email), purpose)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	if flow := m.flowForPurpose(purpose); flow != nil {
		if errFlow := flow.request(email, purpose); errFlow != nil {
			return failure(ErrInvalidTransition)
		}
	}
	if message == "" {
		message = "verification code sent"
	}
	return completed(message)
}

// VerifyOTP checks a code with the server and advances whichever OTP-gated
// flow is pending for the address.
func (m *Manager) VerifyOTP(ctx context.Context, email, code string) FlowResult {
	if err := validateOTP(email, code); err != nil {
		return validationFailure(err)
	}
	logger := flowLogger("verify_otp")
	message, err := m.client.VerifyOTP(ctx, strings.TrimSpace(email), code)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	for _, flow := range []*otpFlow{&m.registration, &m.passwordReset} {
		if errFlow := flow.verify(email); errFlow == nil {
			logger.Debugf("otp verified, flow now %s", flow.current())
		}
	}
	if message == "" {
		message = "code verified"
	}
	return completed(message)
}

// ResendOTP re-issues a pending code, resetting its expiry server-side.
func (m *Manager) ResendOTP(ctx context.Context, email, purpose string) FlowResult {
	if err := validateEmail(email); err != nil {
		return validationFailure(err)
	}
	if flow := m.flowForPurpose(purpose); flow != nil {
		if errFlow := flow.resend(email); errFlow != nil {
			return failure(ErrInvalidTransition)
		}
	}
	logger := flowLogger("resend_otp")
	message, err := m.client.ResendOTP(ctx, strings.TrimSpace(email), purpose)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	if message == "" {
		message = "verification code resent"
	}
	return completed(message)
}

// RegisterWithOTP finalizes a verification-gated registration and establishes
// the session. The local flow must have passed through the verified state.
func (m *Manager) RegisterWithOTP(ctx context.Context, profile map[string]any, code string) FlowResult {
	if err := validateRegistration(profile); err != nil {
		return validationFailure(err)
	}
	email, _ := profile["email"].(string)
	if m.registration.current() != FlowOTPVerified {
		return failure(ErrInvalidTransition)
	}
	logger := flowLogger("register_with_otp")
	payload, err := m.client.RegisterWithOTP(ctx, profile, code)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	_ = m.registration.complete(email)
	return m.establish(logger, payload, "account created")
}

// SendPasswordResetOTP starts the password-reset flow by issuing a code.
func (m *Manager) SendPasswordResetOTP(ctx context.Context, email string) FlowResult {
	if err := validateEmail(email); err != nil {
		return validationFailure(err)
	}
	logger := flowLogger("send_password_reset")
	message, err := m.client.SendPasswordResetOTP(ctx, strings.TrimSpace(email))
	if err != nil {
		return m.flowFailure(logger, err)
	}
	if errFlow := m.passwordReset.request(email, "password_reset"); errFlow != nil {
		return failure(ErrInvalidTransition)
	}
	if message == "" {
		message = "password reset code sent"
	}
	return completed(message)
}

// ResetPasswordWithOTP sets a new password after code verification. No
// session is established; the user signs in with the new password.
func (m *Manager) ResetPasswordWithOTP(ctx context.Context, email, code, newPassword string) FlowResult {
	if err := validatePasswordReset(email, code, newPassword); err != nil {
		return validationFailure(err)
	}
	if m.passwordReset.current() != FlowOTPVerified {
		return failure(ErrInvalidTransition)
	}
	logger := flowLogger("reset_password")
	message, err := m.client.ResetPasswordWithOTP(ctx, strings.TrimSpace(email), code, newPassword)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	_ = m.passwordReset.complete(email)
	if message == "" {
		message = "password updated"
	}
	return completed(message)
}

// CompleteOAuth exchanges the provider callback parameters for a session.
func (m *Manager) CompleteOAuth(ctx context.Context, code, state string) FlowResult {
	if strings.TrimSpace(code) == "" {
		return failure(&Error{Code: CodeValidationFailed, Message: "authorization code is missing"})
	}
	logger := flowLogger("oauth_callback")
	payload, err := m.client.OAuthCallback(ctx, code, state)
	if err != nil {
		return m.flowFailure(logger, err)
	}
	return m.establish(logger, payload, "signed in")
}

// Logout retracts the session locally and notifies the server best-effort.
// It always succeeds from the caller's perspective: local retraction is never
// blocked on network success.
func (m *Manager) Logout(ctx context.Context) FlowResult {
	logger := flowLogger("logout")

	m.mu.Lock()
	m.session = Session{}
	m.mu.Unlock()
	m.registration.cancel()
	m.passwordReset.cancel()

	if err := m.store.Clear(); err != nil {
		logger.Warnf("failed to clear stored session: %v", err)
	}
	m.publish()

	if err := m.client.Logout(ctx); err != nil {
		logger.Debugf("server logout notification failed: %v", err)
	}
	return completed("signed out")
}

// UpdateProfile merges a partial update into the current user and re-persists
// the record. Fields absent from the partial are never dropped.
func (m *Manager) UpdateProfile(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.session.User == nil {
		m.mu.Unlock()
		return &Error{Code: CodeUnauthorized, Message: "no authenticated user to update"}
	}
	updated := m.session.User.Clone()
	updated.Merge(partial)
	m.session.User = updated
	record := &StorageRecord{
		User:          updated,
		Credential:    m.session.Credential,
		EstablishedAt: m.session.EstablishedAt,
	}
	m.mu.Unlock()

	if err := m.store.Save(record); err != nil {
		return err
	}
	m.publish()
	return nil
}

// CancelPendingFlows discards any transient OTP flow state, e.g. when the UI
// navigates away mid-flow.
func (m *Manager) CancelPendingFlows() {
	m.registration.cancel()
	m.passwordReset.cancel()
}

// RegistrationFlowState exposes the pending registration flow state.
func (m *Manager) RegistrationFlowState() FlowState {
	return m.registration.current()
}

// PasswordResetFlowState exposes the pending password-reset flow state.
func (m *Manager) PasswordResetFlowState() FlowState {
	return m.passwordReset.current()
}

// establish applies a session-establishing payload under last-writer-wins:
// whichever flow completes last determines the published state.
func (m *Manager) establish(logger *log.Entry, payload *identity.AuthPayload, message string) FlowResult {
	user := &UserProfile{}
	if err := user.UnmarshalJSON(payload.User); err != nil {
		logger.Errorf("malformed user record in response: %v", err)
		return failed("the server returned an unexpected response")
	}
	if m.mode == ModeBearer && payload.Token == "" {
		logger.Error("bearer deployment but response carried no token")
		return failed("the server returned an unexpected response")
	}

	credential := payload.Token
	if m.mode == ModeCookie {
		credential = ""
	}
	now := time.Now().UTC()

	m.mu.Lock()
	m.session = Session{User: user, Credential: credential, EstablishedAt: now}
	m.mu.Unlock()

	if err := m.store.Save(&StorageRecord{User: user, Credential: credential, EstablishedAt: now}); err != nil {
		logger.Warnf("failed to persist session: %v", err)
	}
	m.publish()
	m.requestVerificationReschedule()

	logger.Infof("session established for %s", user.Email)
	return established(user.Clone(), message)
}

// flowFailure folds transport and application failures into the uniform
// result shape. Transport failures get the generic connection message; the
// server's own message is surfaced verbatim otherwise.
func (m *Manager) flowFailure(logger *log.Entry, err error) FlowResult {
	if identity.IsTransport(err) {
		logger.Warnf("network failure: %v", err)
		return failure(&Error{Code: CodeNetworkError, Message: connectionMessage, Retryable: true})
	}
	logger.Debugf("flow rejected: %v", err)
	flowErr := &Error{Message: err.Error()}
	var apiErr *identity.APIError
	if errors.As(err, &apiErr) {
		flowErr.HTTPStatus = apiErr.Status
		if apiErr.Unauthorized() {
			flowErr.Code = CodeInvalidCredentials
		}
	}
	return failure(flowErr)
}

func (m *Manager) flowForPurpose(purpose string) *otpFlow {
	switch strings.ToLower(strings.TrimSpace(purpose)) {
	case "registration", "register":
		return &m.registration
	case "password_reset", "password-reset":
		return &m.passwordReset
	default:
		return nil
	}
}

func (m *Manager) snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		User:          m.session.User.Clone(),
		Authenticated: !m.loading && m.session.Established(m.mode),
		Loading:       m.loading,
	}
}

// publish fans the current state out to subscribers without blocking: a full
// channel is drained of its oldest snapshot first so the latest always lands.
func (m *Manager) publish() {
	state := m.snapshot()
	m.subMu.Lock()
	for _, ch := range m.subscribers {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
	m.subMu.Unlock()
}

// requestVerification nudges the background loop to verify now.
func (m *Manager) requestVerification() {
	select {
	case m.verifyKick <- struct{}{}:
	default:
	}
}

func (m *Manager) requestVerificationReschedule() {
	// A fresh credential changes the verification schedule; kick the loop so
	// it recomputes its timer off the new expiry.
	m.requestVerification()
}

// verifyLoop re-confirms the session on a schedule derived from the
// credential expiry, falling back to a fixed interval for opaque tokens.
func (m *Manager) verifyLoop(ctx context.Context) {
	for {
		m.mu.RLock()
		credential := m.session.Credential
		m.mu.RUnlock()

		timer := time.NewTimer(nextVerifyDelay(credential, m.verifyInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.verifyKick:
			timer.Stop()
		case <-timer.C:
		}
		m.runVerification(ctx)
	}
}

// runVerification performs one verification cycle. Only a definitive invalid
// answer retracts the session; unknown results keep it optimistically.
func (m *Manager) runVerification(ctx context.Context) {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()

	if !session.Established(m.mode) {
		return
	}

	result := m.verifier.Verify(ctx, session.Credential)
	if !result.Known {
		return
	}
	if result.Valid {
		log.Debug("session verified")
		return
	}

	m.mu.Lock()
	if m.session.Credential != session.Credential || !m.session.EstablishedAt.Equal(session.EstablishedAt) {
		// A flow replaced the session while this verification was in flight;
		// the verdict applies to the old credential only.
		m.mu.Unlock()
		log.Debug("discarding stale verification verdict, session was replaced")
		return
	}
	log.Infof("session rejected by server, retracting: %s", result.Reason)
	m.session = Session{}
	m.mu.Unlock()
	if err := m.store.Clear(); err != nil {
		log.Warnf("failed to clear invalidated session: %v", err)
	}
	m.publish()
}

// flowLogger tags log entries for one flow invocation with a short request id.
func flowLogger(flow string) *log.Entry {
	return log.WithFields(log.Fields{
		"request_id": strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		"flow":       flow,
	})
}
