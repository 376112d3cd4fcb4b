package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultTimeout = 5 * time.Second

	loginPath  = "/login"
	createPath = "/create"
)

// Config holds the HTTP client settings.
type Config struct {
	// BaseURL is the validator root, e.g. "http://validator.internal:8000".
	BaseURL string

	// Timeout bounds each request end to end.
	Timeout time.Duration
}

// DefaultConfig returns the settings used when no environment overrides exist.
func DefaultConfig() Config {
	return Config{Timeout: defaultTimeout}
}

// LoadConfigFromEnv reads STAND_VALIDATOR_* variables on top of defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.BaseURL = strings.TrimSpace(os.Getenv("STAND_VALIDATOR_URL"))

	if raw := strings.TrimSpace(os.Getenv("STAND_VALIDATOR_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: STAND_VALIDATOR_TIMEOUT=%q", ErrConfig, raw)
		}
		cfg.Timeout = d
	}

	return cfg, nil
}

// HTTPClient is the production validator client.
type HTTPClient struct {
	log  *slog.Logger
	base *url.URL
	hc   *http.Client
}

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(log *slog.Logger, cfg Config) (*HTTPClient, error) {
	if log == nil {
		log = slog.Default()
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrConfig)
	}

	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrConfig, base)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPClient{
		log:  log,
		base: u,
		hc:   &http.Client{Timeout: timeout},
	}, nil
}

type loginRequest struct {
	BiometricID string `json:"biometric_id"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Exchange posts the biometric signature and returns the issued token.
//
// 4xx responses map to ErrInvalidSignature, 5xx and transport failures to
// ErrUnavailable. The token is treated as opaque bytes.
func (c *HTTPClient) Exchange(ctx context.Context, signature string) (string, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return "", ErrInvalidSignature
	}

	var out loginResponse
	status, err := c.post(ctx, loginPath, loginRequest{BiometricID: signature}, &out)
	if err != nil {
		return "", err
	}

	switch {
	case status >= 200 && status < 300:
		if strings.TrimSpace(out.AccessToken) == "" {
			return "", fmt.Errorf("%w: empty access_token", ErrUnavailable)
		}
		return out.AccessToken, nil
	case status >= 400 && status < 500:
		return "", ErrInvalidSignature
	default:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
}

// CreateUser provisions a user record in the validator.
func (c *HTTPClient) CreateUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.BiometricID) == "" {
		return fmt.Errorf("%w: missing biometric_id", ErrConfig)
	}

	status, err := c.post(ctx, createPath, u, nil)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}
	if status >= 400 && status < 500 {
		return fmt.Errorf("%w: create rejected with status %d", ErrInvalidSignature, status)
	}
	return fmt.Errorf("%w: status %d", ErrUnavailable, status)
}

func (c *HTTPClient) post(ctx context.Context, path string, in any, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	endpoint := c.base.JoinPath(path).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: bad response body: %v", ErrUnavailable, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	}

	return resp.StatusCode, nil
}

var _ Client = (*HTTPClient)(nil)
