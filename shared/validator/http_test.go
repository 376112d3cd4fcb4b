package validator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClient_Exchange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		signature string
		wantToken string
		wantErr   error
	}{
		{
			name:      "valid signature",
			status:    http.StatusOK,
			body:      `{"access_token":"tok-abc"}`,
			signature: "sig-1",
			wantToken: "tok-abc",
		},
		{
			name:      "rejected signature",
			status:    http.StatusUnauthorized,
			body:      `{"detail":"unknown biometric_id"}`,
			signature: "sig-bad",
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "validator down",
			status:    http.StatusBadGateway,
			body:      "",
			signature: "sig-1",
			wantErr:   ErrUnavailable,
		},
		{
			name:      "empty token in response",
			status:    http.StatusOK,
			body:      `{"access_token":""}`,
			signature: "sig-1",
			wantErr:   ErrUnavailable,
		},
		{
			name:      "blank signature short-circuits",
			signature: "   ",
			wantErr:   ErrInvalidSignature,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var gotBody loginRequest
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/login" {
					t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
				}
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer ts.Close()

			c := newTestClient(t, ts.URL)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			token, err := c.Exchange(ctx, tc.signature)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Exchange: %v", err)
			}
			if token != tc.wantToken {
				t.Fatalf("expected token %q, got %q", tc.wantToken, token)
			}
			if gotBody.BiometricID != tc.signature {
				t.Fatalf("expected biometric_id %q, got %q", tc.signature, gotBody.BiometricID)
			}
		})
	}
}

func TestHTTPClient_Exchange_TransportError(t *testing.T) {
	t.Parallel()

	// Closed server: dial fails.
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := ts.URL
	ts.Close()

	c := newTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Exchange(ctx, "sig-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPClient_CreateUser(t *testing.T) {
	t.Parallel()

	var got User
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/create" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := User{Nombre: "Ana", Apellido: "García", Admin: false, BiometricID: "sig-ana"}
	if err := c.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if got != u {
		t.Fatalf("expected posted user %+v, got %+v", u, got)
	}
}

func TestNewHTTPClient_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, base := range []string{"", "   ", "not-a-url", "//missing-scheme"} {
		if _, err := NewHTTPClient(log, Config{BaseURL: base}); !errors.Is(err, ErrConfig) {
			t.Fatalf("base %q: expected ErrConfig, got %v", base, err)
		}
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STAND_VALIDATOR_URL", "http://validator.internal:8000")
	t.Setenv("STAND_VALIDATOR_TIMEOUT", "2s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.BaseURL != "http://validator.internal:8000" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Timeout)
	}

	t.Setenv("STAND_VALIDATOR_TIMEOUT", "bogus")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for bad timeout, got %v", err)
	}
}

func newTestClient(t *testing.T, base string) *HTTPClient {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewHTTPClient(log, Config{BaseURL: base, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c
}
