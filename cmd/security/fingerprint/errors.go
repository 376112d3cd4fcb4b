package fingerprint

import "errors"

var (
	// ErrKeyMissing is returned when STAND_FPR_KEY is required but unset/blank.
	ErrKeyMissing = errors.New("fingerprint key missing")

	// ErrKeyTooShort is returned when the configured key is below the minimum length.
	ErrKeyTooShort = errors.New("fingerprint key too short")
)
