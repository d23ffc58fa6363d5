package crypto

import (
	"crypto/ed25519"
	"errors"
)

var ErrInvalidSignature = errors.New("invalid signature")

// DeriveSigningKey derives a deterministic Ed25519 key pair from the master
// secret so every instance of the service signs and verifies with the same key.
func DeriveSigningKey(master []byte, info string) (ed25519.PrivateKey, error) {
	seed, err := DeriveKey(master, info, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SignDetached returns payload followed by its 64-byte signature.
func SignDetached(priv ed25519.PrivateKey, payload []byte) []byte {
	sig := ed25519.Sign(priv, payload)
	out := make([]byte, len(payload)+ed25519.SignatureSize)
	copy(out, payload)
	copy(out[len(payload):], sig)
	return out
}

// OpenDetached splits data produced by SignDetached and verifies it.
func OpenDetached(pub ed25519.PublicKey, data []byte) ([]byte, error) {
	if len(data) <= ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	split := len(data) - ed25519.SignatureSize
	payload, sig := data[:split], data[split:]
	if !ed25519.Verify(pub, payload, sig) {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}
