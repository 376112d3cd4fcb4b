package pairing

import "time"

// State is the pairing session lifecycle state.
//
// Transitions are forward-only: once a session reaches a terminal state
// (AUTHENTICATED, EXPIRED, FAILED) no further transition succeeds.
type State uint8

const (
	// StateAwaitingScan: created by a browser, QR code not scanned yet.
	StateAwaitingScan State = iota
	// StateAwaitingAuth: a mobile device announced the scan, AUTH pending.
	StateAwaitingAuth
	// StateAuthenticated: token accepted; terminal (entry lingers only until relay/eviction).
	StateAuthenticated
	// StateExpired: TTL elapsed before authentication; terminal.
	StateExpired
	// StateFailed: malformed/duplicate AUTH, browser gone, or internal fault; terminal.
	StateFailed
)

// String returns the wire-facing state name.
func (s State) String() string {
	switch s {
	case StateAwaitingScan:
		return "AWAITING_SCAN"
	case StateAwaitingAuth:
		return "AWAITING_AUTH"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateExpired:
		return "EXPIRED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition may succeed from s.
func (s State) Terminal() bool {
	return s == StateAuthenticated || s == StateExpired || s == StateFailed
}

// advancesTo reports whether next is a legal forward step from s.
func (s State) advancesTo(next State) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StateAwaitingAuth:
		return s == StateAwaitingScan
	case StateAuthenticated:
		return s == StateAwaitingScan || s == StateAwaitingAuth
	case StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// Session is a snapshot of one in-progress pairing attempt.
//
// Connection ids are non-owning references: liveness is always resolved
// through the connection supervisor's live table, never stored handles.
type Session struct {
	ID    string
	State State

	CreatedAt time.Time
	ExpiresAt time.Time

	// BrowserConnID identifies the browser connection that created (or resumed)
	// the session. MobileConnID is the scan candidate bound on SUBSCRIBE.
	BrowserConnID string
	MobileConnID  string

	// Token is the relay payload buffered until delivery to the browser.
	// RelayDeadline bounds how long an undelivered token may wait for a
	// browser reconnect before the session fails closed.
	Token         string
	Delivered     bool
	RelayDeadline time.Time

	FailReason string

	// doneAt marks when a terminal state was reached (drives linger eviction).
	doneAt time.Time
}
