package app

import (
	"errors"

	"stand/cmd/security/fingerprint"
)

// ValidateSecurityConfig enforces the audit-fingerprint policy at startup.
//
// Fail-fast: relayed tokens must never reach the audit table, and under
// policy their fingerprints must be keyed so a leaked audit dump cannot be
// matched against captured tokens offline. Enforcement goes through the same
// module that computes the fingerprints.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireFingerprintKey {
		return nil
	}

	if _, err := fingerprint.KeyFromEnv(fingerprint.MinKeyBytes); err != nil {
		switch {
		case errors.Is(err, fingerprint.ErrKeyMissing):
			return errors.New("security policy: STAND_REQUIRE_FPR_KEY=true but STAND_FPR_KEY is missing")
		case errors.Is(err, fingerprint.ErrKeyTooShort):
			return errors.New("security policy: STAND_REQUIRE_FPR_KEY=true but STAND_FPR_KEY is too short (min 16 bytes)")
		default:
			return err
		}
	}

	if !fingerprint.KeyedEnabled() {
		return errors.New("security policy: STAND_REQUIRE_FPR_KEY=true but fingerprinting is not in keyed mode")
	}

	return nil
}
