package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackResult carries the parameters the OAuth provider redirects back with.
type CallbackResult struct {
	// Code is the authorization code to exchange at the identity service.
	Code string
	// State is the anti-CSRF state parameter, compared against the value
	// embedded in the authorization URL.
	State string
	// ErrorMessage is populated when the provider reports a denial.
	ErrorMessage string
}

// CallbackServer is a short-lived local HTTP listener that captures the OAuth
// provider redirect during a browser-based login.
type CallbackServer struct {
	server     *http.Server
	port       int
	resultChan chan *CallbackResult
	errorChan  chan error
	mu         sync.Mutex
	running    bool
}

// NewCallbackServer creates a callback listener on the given port.
func NewCallbackServer(port int) *CallbackServer {
	return &CallbackServer{
		port:       port,
		resultChan: make(chan *CallbackResult, 1),
		errorChan:  make(chan error, 1),
	}
}

// Start begins listening for the provider redirect on /auth/callback.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("identity: callback server already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("identity: callback port %d unavailable: %w", s.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.errorChan <- fmt.Errorf("identity: callback server failed: %w", errServe)
		}
	}()

	log.Debugf("oauth callback server listening on port %d", s.port)
	return nil
}

// Stop shuts the listener down gracefully.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}
	s.running = false
	return s.server.Shutdown(ctx)
}

// Wait blocks until the provider redirect arrives, the server fails, or the
// context expires.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.errorChan:
		return nil, err
	case result := <-s.resultChan:
		return result, nil
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result := &CallbackResult{
		Code:  query.Get("code"),
		State: query.Get("state"),
	}
	if errParam := query.Get("error"); errParam != "" {
		result.ErrorMessage = errParam
		if desc := query.Get("error_description"); desc != "" {
			result.ErrorMessage = desc
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if result.ErrorMessage != "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintf(w, "<html><body><h3>Sign-in failed</h3><p>%s</p></body></html>", result.ErrorMessage)
	} else {
		_, _ = fmt.Fprint(w, "<html><body><h3>Sign-in complete</h3><p>You can close this window and return to the application.</p></body></html>")
	}

	select {
	case s.resultChan <- result:
	default:
		// A second redirect for the same flow is ignored.
		log.Debug("duplicate oauth callback ignored")
	}
}
