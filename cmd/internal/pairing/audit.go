package pairing

import (
	"context"
	"time"
)

// Terminal outcome labels recorded in the audit trail.
const (
	OutcomeAuthenticated = "authenticated"
	OutcomeExpired       = "expired"
	OutcomeFailed        = "failed"
)

// Outcome describes one finished pairing attempt.
//
// TokenFingerprint is a keyed digest of the relayed bearer token; raw tokens
// are never persisted.
type Outcome struct {
	PairingID        string
	Outcome          string
	Reason           string
	TokenFingerprint string
	At               time.Time
}

// AuditStore records terminal pairing outcomes.
//
// Recording is best-effort: a failing store must never block or fail a relay.
type AuditStore interface {
	RecordOutcome(ctx context.Context, o Outcome) error
	Close() error
}

// NopAudit is the default store when no database is configured.
type NopAudit struct{}

// RecordOutcome discards the outcome.
func (NopAudit) RecordOutcome(_ context.Context, _ Outcome) error { return nil }

// Close closes the store (noop).
func (NopAudit) Close() error { return nil }
