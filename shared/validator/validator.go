// Package validator talks to the external Signature Validator service.
//
// The broker itself never calls the validator; mobile devices exchange their
// biometric signature for a token directly and hand the token over the
// websocket. This client exists for provisioning (user creation) and for
// tooling that exercises the full pairing flow end to end.
package validator

import (
	"context"
	"errors"
)

var (
	// ErrInvalidSignature means the validator rejected the biometric signature.
	ErrInvalidSignature = errors.New("validator: invalid signature")

	// ErrUnavailable means the validator could not be reached or failed internally.
	ErrUnavailable = errors.New("validator: service unavailable")

	// ErrConfig reports invalid validator client configuration.
	ErrConfig = errors.New("validator: invalid config")
)

// Client exchanges a biometric signature for an opaque access token.
type Client interface {
	Exchange(ctx context.Context, signature string) (string, error)
}

// User is the provisioning record the validator keeps per person.
type User struct {
	Nombre      string `json:"nombre"`
	Apellido    string `json:"apellido"`
	Admin       bool   `json:"admin"`
	BiometricID string `json:"biometric_id"`
}
