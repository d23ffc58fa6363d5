package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation labels. Changing one invalidates everything derived from it.
const (
	InfoKeyPepper     = "leasehold platform-key pepper"
	InfoRealtimeToken = "leasehold realtime token"
)

// ErrSecretTooShort is returned when the master secret cannot seed derivation.
var ErrSecretTooShort = errors.New("master secret must be at least 32 bytes")

// DeriveKey expands the master secret into a purpose-bound key of size bytes.
func DeriveKey(master []byte, info string, size int) ([]byte, error) {
	if len(master) < 32 {
		return nil, ErrSecretTooShort
	}
	out := make([]byte, size)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
