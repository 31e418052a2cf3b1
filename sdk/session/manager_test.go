package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/subashmuthub/labauth/internal/identity"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// okVerify answers the background verifier so tests that don't care about
// verification never see a retraction.
func okVerify(mux *http.ServeMux) {
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
}

func newTestManager(t *testing.T, mux *http.ServeMux, tweak func(*ManagerOptions)) (*Manager, *FileStore) {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store, err := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	client, err := identity.NewClient(identity.Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	opts := ManagerOptions{Mode: ModeBearer, Store: store, Client: client}
	if tweak != nil {
		tweak(&opts)
	}
	manager, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return manager, store
}

func startManager(t *testing.T, manager *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	manager.Start(ctx)
}

func TestLoginEstablishesSession(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":1,"email":"a@gmail.com"},"token":"tok"}}`))
	})

	manager, store := newTestManager(t, mux, nil)
	startManager(t, manager)

	result := manager.Login(context.Background(), "a@gmail.com", "secret")
	if result.Outcome != OutcomeEstablished {
		t.Fatalf("Login() outcome = %s (%s), want established", result.Outcome, result.Message)
	}
	if !manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after login")
	}
	if user := manager.CurrentUser(); user == nil || user.Email != "a@gmail.com" {
		t.Errorf("CurrentUser() = %+v, want email a@gmail.com", user)
	}
	if header, ok := manager.AuthorizationHeader(); !ok || header != "Bearer tok" {
		t.Errorf("AuthorizationHeader() = %q, %v, want Bearer tok", header, ok)
	}

	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read persisted record: %v", err)
	}
	if !strings.Contains(string(data), "tok") {
		t.Errorf("persisted record %s does not contain token", data)
	}
}

func TestLoginSurfacesServerMessageVerbatim(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"message":"Invalid email or password"}`))
	})

	manager, _ := newTestManager(t, mux, nil)
	startManager(t, manager)

	result := manager.Login(context.Background(), "a@gmail.com", "wrong-password")
	if result.Success() {
		t.Fatal("Login() succeeded with rejected credentials")
	}
	if result.Message != "Invalid email or password" {
		t.Errorf("Message = %q, want the server message verbatim", result.Message)
	}
	if result.Err == nil || result.Err.Code != CodeInvalidCredentials {
		t.Errorf("Err = %+v, want code %s", result.Err, CodeInvalidCredentials)
	}
	if result.Err.StatusCode() != http.StatusUnauthorized {
		t.Errorf("StatusCode() = %d, want 401", result.Err.StatusCode())
	}
	if manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after rejected login")
	}
}

func TestLoginTransportFailureGenericMessage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NewServeMux())
	store, err := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	client, err := identity.NewClient(identity.Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	manager, err := NewManager(ManagerOptions{Mode: ModeBearer, Store: store, Client: client})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	startManager(t, manager)
	server.Close()

	result := manager.Login(context.Background(), "a@gmail.com", "secret")
	if result.Success() {
		t.Fatal("Login() succeeded against closed server")
	}
	if result.Message != connectionMessage {
		t.Errorf("Message = %q, want generic connection message", result.Message)
	}
	if result.Err == nil || result.Err.Code != CodeNetworkError || !result.Err.Retryable {
		t.Errorf("Err = %+v, want retryable %s", result.Err, CodeNetworkError)
	}
}

func TestLoginValidatesInputLocally(t *testing.T) {
	t.Parallel()

	called := false
	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	manager, _ := newTestManager(t, mux, nil)
	startManager(t, manager)

	result := manager.Login(context.Background(), "not-an-email", "secret")
	if result.Success() {
		t.Error("Login() with invalid email succeeded")
	}
	if result.Err == nil || result.Err.Code != CodeValidationFailed {
		t.Errorf("Err = %+v, want code %s", result.Err, CodeValidationFailed)
	}
	if result := manager.Login(context.Background(), "a@gmail.com", ""); result.Success() {
		t.Error("Login() with empty password succeeded")
	}
	if called {
		t.Error("invalid input reached the server")
	}
}

func TestRegisterTwoPhase(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"requiresOTP":true,"data":{"email":"new@gmail.com"}}`))
	})
	mux.HandleFunc("/auth/verify-otp", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"message":"code verified"}`))
	})
	mux.HandleFunc("/auth/register-with-otp", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":2,"email":"new@gmail.com"},"token":"tok-2"}}`))
	})

	manager, _ := newTestManager(t, mux, nil)
	startManager(t, manager)

	profile := map[string]any{"email": "new@gmail.com", "password": "long-password", "name": "New User"}

	result := manager.Register(context.Background(), profile)
	if result.Outcome != OutcomeOTPRequired {
		t.Fatalf("Register() outcome = %s, want otp_required", result.Outcome)
	}
	if manager.IsAuthenticated() {
		t.Fatal("IsAuthenticated() = true while registration awaits OTP")
	}
	if manager.RegistrationFlowState() != FlowOTPRequested {
		t.Fatalf("flow state = %s, want otp_requested", manager.RegistrationFlowState())
	}

	// Finalizing without verifying the code must be rejected locally.
	if early := manager.RegisterWithOTP(context.Background(), profile, "123456"); early.Success() {
		t.Fatal("RegisterWithOTP() succeeded before VerifyOTP")
	}

	if verify := manager.VerifyOTP(context.Background(), "new@gmail.com", "123456"); !verify.Success() {
		t.Fatalf("VerifyOTP() failed: %s", verify.Message)
	}
	final := manager.RegisterWithOTP(context.Background(), profile, "123456")
	if final.Outcome != OutcomeEstablished {
		t.Fatalf("RegisterWithOTP() outcome = %s (%s), want established", final.Outcome, final.Message)
	}
	if !manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after completed registration")
	}
}

func TestRegisterDirectlyEstablished(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":3,"email":"auto@gmail.com"},"token":"tok-3"}}`))
	})

	manager, _ := newTestManager(t, mux, nil)
	startManager(t, manager)

	result := manager.Register(context.Background(), map[string]any{"email": "auto@gmail.com", "password": "long-password"})
	if result.Outcome != OutcomeEstablished {
		t.Fatalf("Register() outcome = %s (%s), want established", result.Outcome, result.Message)
	}
	if !manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after auto-verified registration")
	}
}

func TestUpdateProfileMerges(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":1,"email":"a@gmail.com"},"token":"tok"}}`))
	})

	manager, store := newTestManager(t, mux, nil)
	startManager(t, manager)

	if result := manager.Login(context.Background(), "a@gmail.com", "secret"); !result.Success() {
		t.Fatalf("Login() failed: %s", result.Message)
	}

	if err := manager.UpdateProfile(map[string]any{"x": 1}); err != nil {
		t.Fatalf("UpdateProfile(x) error = %v", err)
	}
	if err := manager.UpdateProfile(map[string]any{"y": 2}); err != nil {
		t.Fatalf("UpdateProfile(y) error = %v", err)
	}

	user := manager.CurrentUser()
	if user.Extra["x"] != 1 || user.Extra["y"] != 2 {
		t.Errorf("CurrentUser() extras = %v, want both x and y", user.Extra)
	}
	if user.Email != "a@gmail.com" {
		t.Errorf("Email = %q, merge must not drop it", user.Email)
	}

	record, err := store.Load()
	if err != nil || record == nil {
		t.Fatalf("Load() = %v, %v", record, err)
	}
	if record.User.Extra["x"] == nil || record.User.Extra["y"] == nil {
		t.Errorf("persisted extras = %v, want both x and y", record.User.Extra)
	}
}

func TestRestoreIsOptimistic(t *testing.T) {
	t.Parallel()

	verifyStarted := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		verifyStarted <- struct{}{}
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	manager, store := newTestManager(t, mux, nil)
	seed := &StorageRecord{User: &UserProfile{ID: "1", Email: "a@gmail.com"}, Credential: "tok"}
	if err := store.Save(seed); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	if !manager.IsLoading() {
		t.Error("IsLoading() = false before Start")
	}
	startManager(t, manager)

	// The restored session is published before verification completes.
	if manager.IsLoading() {
		t.Error("IsLoading() = true after Start")
	}
	if !manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = false immediately after optimistic restore")
	}
	select {
	case <-verifyStarted:
	case <-time.After(2 * time.Second):
		t.Error("background verification never started")
	}
}

func TestVerifyTimeoutNeverRetracts(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	manager, store := newTestManager(t, mux, func(opts *ManagerOptions) {
		opts.VerifyTimeout = 50 * time.Millisecond
	})
	if err := store.Save(&StorageRecord{User: &UserProfile{ID: "1", Email: "a@gmail.com"}, Credential: "tok"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	startManager(t, manager)

	time.Sleep(700 * time.Millisecond)
	if !manager.IsAuthenticated() {
		t.Error("a verification timeout retracted the session")
	}
}

func TestVerifyServerErrorNeverRetracts(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"message":"upstream temporarily unavailable"}`))
	})

	manager, store := newTestManager(t, mux, nil)
	if err := store.Save(&StorageRecord{User: &UserProfile{ID: "1", Email: "a@gmail.com"}, Credential: "tok"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	startManager(t, manager)

	time.Sleep(600 * time.Millisecond)
	if !manager.IsAuthenticated() {
		t.Error("a server-side failure retracted the session")
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Error("stored session was removed on a server-side failure")
	}
}

func TestLoginDuringStaleVerifyWins(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-old" {
			time.Sleep(400 * time.Millisecond)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"token expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":1,"email":"a@gmail.com"},"token":"tok-new"}}`))
	})

	manager, store := newTestManager(t, mux, nil)
	if err := store.Save(&StorageRecord{User: &UserProfile{ID: "1", Email: "a@gmail.com"}, Credential: "tok-old"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	startManager(t, manager)

	// Login completes while the expired credential is still being verified;
	// the stale rejection must not wipe the fresh session.
	if result := manager.Login(context.Background(), "a@gmail.com", "secret"); !result.Success() {
		t.Fatalf("Login() failed: %s", result.Message)
	}

	time.Sleep(600 * time.Millisecond)
	if !manager.IsAuthenticated() {
		t.Error("a stale verification verdict retracted the fresh session")
	}
	if header, _ := manager.AuthorizationHeader(); header != "Bearer tok-new" {
		t.Errorf("AuthorizationHeader() = %q, want the fresh credential", header)
	}
	if record, err := store.Load(); err != nil || record == nil || record.Credential != "tok-new" {
		t.Errorf("stored record = %+v, %v, want tok-new", record, err)
	}
}

func TestVerifyUnauthorizedRetracts(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"message":"token expired"}`))
	})

	manager, store := newTestManager(t, mux, nil)
	if err := store.Save(&StorageRecord{User: &UserProfile{ID: "1", Email: "a@gmail.com"}, Credential: "tok"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	startManager(t, manager)

	waitFor(t, 2*time.Second, "session retraction", func() bool {
		return !manager.IsAuthenticated()
	})
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Error("invalidated session was not cleared from storage")
	}
}

func TestCorruptStoredRecord(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)

	manager, store := newTestManager(t, mux, nil)
	if err := os.WriteFile(store.Path(), []byte("not-json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	startManager(t, manager)

	if manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after corrupt restore")
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Error("corrupt record was not cleared")
	}
}

// userlessStore misbehaves against the Store contract by returning a record
// without a user.
type userlessStore struct{}

func (userlessStore) Load() (*StorageRecord, error) { return &StorageRecord{Credential: "tok"}, nil }
func (userlessStore) Save(*StorageRecord) error     { return nil }
func (userlessStore) Clear() error                  { return nil }

func TestRestoreToleratesUserlessRecord(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := identity.NewClient(identity.Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	manager, err := NewManager(ManagerOptions{Mode: ModeBearer, Store: userlessStore{}, Client: client})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	startManager(t, manager)

	if manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after a userless restore")
	}
	manager.Resync()
	if manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after a userless resync")
	}
}

func TestLogoutAlwaysSucceedsLocally(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":1,"email":"a@gmail.com"},"token":"tok"}}`))
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	manager, store := newTestManager(t, mux, nil)
	startManager(t, manager)

	if result := manager.Login(context.Background(), "a@gmail.com", "secret"); !result.Success() {
		t.Fatalf("Login() failed: %s", result.Message)
	}

	result := manager.Logout(context.Background())
	if !result.Success() {
		t.Error("Logout() failed despite server error, want local success")
	}
	if manager.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after logout")
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Error("stored session was not cleared on logout")
	}
}

func TestPasswordResetFlowOrdering(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/otp/send-password-reset", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"message":"reset code sent"}`))
	})
	mux.HandleFunc("/auth/verify-otp", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("/otp/reset-password", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"message":"password updated"}`))
	})

	manager, _ := newTestManager(t, mux, nil)
	startManager(t, manager)

	ctx := context.Background()

	// Reset before requesting a code must be rejected locally.
	if early := manager.ResetPasswordWithOTP(ctx, "a@gmail.com", "123456", "brand-new-password"); early.Success() {
		t.Fatal("ResetPasswordWithOTP() succeeded before the OTP flow began")
	}

	if sent := manager.SendPasswordResetOTP(ctx, "a@gmail.com"); !sent.Success() {
		t.Fatalf("SendPasswordResetOTP() failed: %s", sent.Message)
	}
	if manager.PasswordResetFlowState() != FlowOTPRequested {
		t.Fatalf("flow state = %s, want otp_requested", manager.PasswordResetFlowState())
	}

	// Still gated: the code has not been verified.
	if early := manager.ResetPasswordWithOTP(ctx, "a@gmail.com", "123456", "brand-new-password"); early.Success() {
		t.Fatal("ResetPasswordWithOTP() succeeded before VerifyOTP")
	}

	if verify := manager.VerifyOTP(ctx, "a@gmail.com", "123456"); !verify.Success() {
		t.Fatalf("VerifyOTP() failed: %s", verify.Message)
	}
	result := manager.ResetPasswordWithOTP(ctx, "a@gmail.com", "123456", "brand-new-password")
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("ResetPasswordWithOTP() outcome = %s (%s), want completed", result.Outcome, result.Message)
	}
	if manager.IsAuthenticated() {
		t.Error("password reset must not establish a session")
	}
	if manager.PasswordResetFlowState() != FlowIdle {
		t.Errorf("flow state = %s, want idle after completion", manager.PasswordResetFlowState())
	}
}

func TestSubscribeObservesChanges(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	okVerify(mux)
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":1,"email":"a@gmail.com"},"token":"tok"}}`))
	})

	manager, _ := newTestManager(t, mux, nil)
	startManager(t, manager)

	states := manager.Subscribe()
	// Initial snapshot: unauthenticated.
	first := <-states
	if first.Authenticated {
		t.Error("initial snapshot authenticated = true")
	}

	if result := manager.Login(context.Background(), "a@gmail.com", "secret"); !result.Success() {
		t.Fatalf("Login() failed: %s", result.Message)
	}

	waitFor(t, 2*time.Second, "authenticated snapshot", func() bool {
		select {
		case state := <-states:
			return state.Authenticated && state.User != nil && state.User.Email == "a@gmail.com"
		default:
			return false
		}
	})
}
