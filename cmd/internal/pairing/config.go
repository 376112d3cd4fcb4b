package pairing

import (
	"os"
	"strconv"
	"time"
)

// Config defines runtime configuration for the session registry.
//
// It is environment-driven so deployments can tune TTL and grace policies
// without code changes.
type Config struct {
	// TTL is the fixed lifetime of a pairing session from creation.
	TTL time.Duration

	// Grace bounds how long an accepted token may wait for a browser
	// reconnect before the session fails closed with browser_gone.
	Grace time.Duration

	// Sweep is the registry sweeper interval.
	Sweep time.Duration

	// Linger keeps terminal sessions visible (so a late AUTH sees "expired"
	// rather than "not found") before eviction.
	Linger time.Duration

	// IDBytes is the pairing id entropy in bytes (min 16).
	IDBytes int
}

// DefaultConfig returns defaults suitable for development and tests.
func DefaultConfig() Config {
	return Config{
		TTL:     2 * time.Minute,
		Grace:   10 * time.Second,
		Sweep:   1 * time.Second,
		Linger:  30 * time.Second,
		IDBytes: 16,
	}
}

// LoadConfigFromEnv loads registry configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - STAND_PAIRING_TTL
//   - STAND_PAIRING_GRACE
//   - STAND_PAIRING_SWEEP
//   - STAND_PAIRING_LINGER
//   - STAND_PAIRING_ID_BYTES
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("STAND_PAIRING_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TTL = d
	}

	if v := os.Getenv("STAND_PAIRING_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.Grace = d
	}

	if v := os.Getenv("STAND_PAIRING_SWEEP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.Sweep = d
	}

	if v := os.Getenv("STAND_PAIRING_LINGER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.Linger = d
	}

	if v := os.Getenv("STAND_PAIRING_ID_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 16 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.IDBytes = n
	}

	return cfg, nil
}
