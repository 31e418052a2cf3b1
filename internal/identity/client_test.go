package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientDecoratesBearerRequests(t *testing.T) {
	t.Parallel()

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Options{BaseURL: server.URL, Credential: func() string { return "tok-live" }})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	if err = client.Verify(context.Background(), ""); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if gotAuth != "Bearer tok-live" {
		t.Errorf("Authorization = %q, want Bearer tok-live", gotAuth)
	}

	// An explicit credential wins over the configured source.
	if err = client.Verify(context.Background(), "tok-explicit"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if gotAuth != "Bearer tok-explicit" {
		t.Errorf("Authorization = %q, want Bearer tok-explicit", gotAuth)
	}
}

func TestClientCookieModeReplaysSessionCookie(t *testing.T) {
	t.Parallel()

	var gotCookie string
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "lab_session", Value: "s1", Path: "/"})
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":1,"email":"a@gmail.com"}}}`))
	})
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("lab_session"); err == nil {
			gotCookie = c.Value
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClient(Options{BaseURL: server.URL, CookieMode: true})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	payload, err := client.Login(context.Background(), "a@gmail.com", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if payload.Token != "" {
		t.Errorf("Token = %q, want empty in cookie mode", payload.Token)
	}
	if err = client.Verify(context.Background(), ""); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if gotCookie != "s1" {
		t.Errorf("session cookie = %q, want s1", gotCookie)
	}
}

func TestClientErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantAPI     bool
		wantUnauth  bool
		wantMessage string
	}{
		{
			name: "http status failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"success":false,"message":"token expired"}`))
			},
			wantAPI:     true,
			wantUnauth:  true,
			wantMessage: "token expired",
		},
		{
			name: "success false with 200",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":false,"message":"invalid code"}`))
			},
			wantAPI:     true,
			wantMessage: "invalid code",
		},
		{
			name: "status without message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantAPI:     true,
			wantMessage: "request failed with status 502",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(tt.handler)
			t.Cleanup(server.Close)
			client, err := NewClient(Options{BaseURL: server.URL})
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}

			err = client.Verify(context.Background(), "tok")
			if err == nil {
				t.Fatal("Verify() error = nil, want failure")
			}
			if IsTransport(err) {
				t.Error("IsTransport() = true for server-reported failure")
			}
			var apiErr *APIError
			if ok := errors.As(err, &apiErr); ok != tt.wantAPI {
				t.Fatalf("APIError = %v, want %v", ok, tt.wantAPI)
			}
			if apiErr.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMessage)
			}
			if IsUnauthorized(err) != tt.wantUnauth {
				t.Errorf("IsUnauthorized() = %v, want %v", IsUnauthorized(err), tt.wantUnauth)
			}
		})
	}
}

func TestClientTransportFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, err := NewClient(Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	server.Close()

	err = client.Verify(context.Background(), "tok")
	if err == nil {
		t.Fatal("Verify() against closed server error = nil")
	}
	if !IsTransport(err) {
		t.Errorf("IsTransport() = false, want true for %v", err)
	}
	if IsUnauthorized(err) {
		t.Error("IsUnauthorized() = true for transport failure")
	}
}

func TestRegisterOutcomeBranches(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		if req["email"] == "pending@gmail.com" {
			_, _ = w.Write([]byte(`{"success":true,"requiresOTP":true,"data":{"email":"pending@gmail.com"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":5,"email":"auto@gmail.com"},"token":"tok-5"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClient(Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	pending, err := client.Register(context.Background(), map[string]any{"email": "pending@gmail.com"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !pending.RequiresOTP || pending.Email != "pending@gmail.com" || pending.Payload != nil {
		t.Errorf("pending outcome = %+v, want RequiresOTP for pending@gmail.com", pending)
	}

	direct, err := client.Register(context.Background(), map[string]any{"email": "auto@gmail.com"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if direct.RequiresOTP || direct.Payload == nil || direct.Payload.Token != "tok-5" {
		t.Errorf("direct outcome = %+v, want established payload", direct)
	}
}

func TestOAuthURLExtraction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"top level", `{"success":true,"authUrl":"https://idp.example.com/authorize?state=s1"}`, "https://idp.example.com/authorize?state=s1"},
		{"nested in data", `{"success":true,"data":{"authUrl":"https://idp.example.com/a"}}`, "https://idp.example.com/a"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth/oauth/google" {
					t.Errorf("path = %q, want /auth/oauth/google", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(server.Close)

			client, err := NewClient(Options{BaseURL: server.URL})
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			got, err := client.OAuthURL(context.Background(), "google")
			if err != nil {
				t.Fatalf("OAuthURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("OAuthURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
