package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresAudit writes terminal pairing outcomes to stand.pairing_audit.
//
// Expected schema:
//
//	CREATE TABLE stand.pairing_audit (
//	    id          char(26) PRIMARY KEY,
//	    pairing_id  text NOT NULL,
//	    outcome     text NOT NULL,
//	    reason      text NOT NULL DEFAULT '',
//	    token_fpr   text NOT NULL DEFAULT '',
//	    created_at  timestamptz NOT NULL
//	);
type PostgresAudit struct {
	pool   *pgxpool.Pool
	schema string
}

// AuditOption configures PostgresAudit behavior.
type AuditOption func(*PostgresAudit) error

// WithAuditSchema sets the DB schema used by the audit store (default: "stand").
func WithAuditSchema(schema string) AuditOption {
	return func(s *PostgresAudit) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("pairing: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("pairing: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresAudit constructs an audit store backed by PostgreSQL.
func NewPostgresAudit(pool *pgxpool.Pool, opts ...AuditOption) (*PostgresAudit, error) {
	st := &PostgresAudit{
		pool:   pool,
		schema: "stand",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("pairing: nil pool")
	}
	return st, nil
}

// RecordOutcome inserts one audit row.
func (s *PostgresAudit) RecordOutcome(ctx context.Context, o Outcome) error {
	if s == nil || s.pool == nil {
		return errors.New("pairing: nil audit store")
	}
	if strings.TrimSpace(o.PairingID) == "" || strings.TrimSpace(o.Outcome) == "" {
		return errors.New("pairing: invalid outcome")
	}

	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	rowID, err := ulid.New(ulid.Timestamp(at), rand.Reader)
	if err != nil {
		return err
	}

	table := pgIdent(s.schema, "pairing_audit")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+table+` (id, pairing_id, outcome, reason, token_fpr, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rowID.String(), o.PairingID, o.Outcome, o.Reason, o.TokenFingerprint, at,
	)
	return err
}

// Close closes the store. The pool is owned by the app, so this is a no-op.
func (s *PostgresAudit) Close() error { return nil }

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
