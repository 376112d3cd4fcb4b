// Package fingerprint produces keyed digests of bearer tokens for audit
// storage. Raw tokens never touch the database; an attacker who reads the
// audit trail learns nothing usable without the key.
package fingerprint

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeyEnv is the env var name for the fingerprint key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "STAND_FPR_KEY"

	// MinKeyBytes is the minimum accepted key length when a key is enforced.
	MinKeyBytes = 16
)

// KeyFromEnv returns the configured key bytes (trimmed), enforcing a minimum
// byte length. Missing/blank -> ErrKeyMissing; too short -> ErrKeyTooShort.
func KeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// KeyedEnabled reports whether the env key is present (non-empty after trim).
// It does not enforce minimum length; use KeyFromEnv for policy checks.
func KeyedEnabled() bool {
	return strings.TrimSpace(os.Getenv(KeyEnv)) != ""
}

// Fingerprint digests a token for server-side storage.
// Behavior:
// - If STAND_FPR_KEY is set (non-empty), uses keyed BLAKE2b-256.
// - Otherwise falls back to plain BLAKE2b-256 for dev/back-compat.
func Fingerprint(token string) string {
	key := strings.TrimSpace(os.Getenv(KeyEnv))
	if key == "" {
		sum := blake2b.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	return keyed(token, []byte(key))
}

// FingerprintRequireKey digests a token in enforced-key mode.
// It fails if the key is missing or too short.
func FingerprintRequireKey(token string, minBytes int) (string, error) {
	key, err := KeyFromEnv(minBytes)
	if err != nil {
		return "", err
	}
	return keyed(token, key), nil
}

func keyed(token string, key []byte) string {
	// blake2b keys are capped at 64 bytes.
	if len(key) > 64 {
		key = key[:64]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Unreachable with a bounded key; degrade to the unkeyed digest.
		sum := blake2b.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
