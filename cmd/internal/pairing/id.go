package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// NewPairingID returns a cryptographically random hex id of length 2*nBytes.
//
// Pairing ids are embedded in QR codes and must be unguessable within the
// session TTL; 16 bytes gives 128 bits of entropy. ULIDs are deliberately not
// used here: their timestamp prefix leaks creation time and leaves only 80
// random bits.
func NewPairingID(nBytes int) (string, error) {
	if nBytes < 16 {
		return "", errors.New("pairing: id entropy below 128 bits")
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
