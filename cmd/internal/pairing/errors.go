package pairing

import "errors"

var (
	// ErrNotFound is returned when a pairing id is unknown or already evicted.
	ErrNotFound = errors.New("pairing session not found")

	// ErrExpired is returned when the pairing session exists but its TTL elapsed.
	ErrExpired = errors.New("pairing session expired")

	// ErrConflict is returned when a compare-and-set transition loses the state race.
	ErrConflict = errors.New("pairing state conflict")

	// ErrAlreadyAuthenticated is returned for AUTH replays on a completed session.
	ErrAlreadyAuthenticated = errors.New("pairing already authenticated")

	// ErrBrowserGone is returned when the relay target stayed unreachable past the grace window.
	ErrBrowserGone = errors.New("browser connection gone")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid pairing config")
)
