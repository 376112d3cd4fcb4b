package broker

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewConnID returns a ULID used as connection id.
// ULID is preferable to random hex here: connection ids only need to be
// unique, and the timestamp prefix helps when reading logs.
func NewConnID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
