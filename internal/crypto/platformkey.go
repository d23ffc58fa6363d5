package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// PlatformKeyPrefix marks a bearer credential as a platform key.
const PlatformKeyPrefix = "lh_"

const platformKeyBytes = 32

// KeyHasher hashes platform keys with a server-side pepper. The hash is
// deterministic so a presented key can be looked up by its hash.
type KeyHasher struct {
	pepper []byte
}

// NewKeyHasher derives the pepper from the master secret.
func NewKeyHasher(master []byte) (*KeyHasher, error) {
	pepper, err := DeriveKey(master, InfoKeyPepper, 32)
	if err != nil {
		return nil, err
	}
	return &KeyHasher{pepper: pepper}, nil
}

// Hash returns the hex HMAC-SHA256 of key.
func (h *KeyHasher) Hash(key string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// GeneratePlatformKey returns a new random platform key.
func GeneratePlatformKey() (string, error) {
	b := make([]byte, platformKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return PlatformKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// IsPlatformKey reports whether token has the platform key shape.
func IsPlatformKey(token string) bool {
	return strings.HasPrefix(token, PlatformKeyPrefix) && len(token) > len(PlatformKeyPrefix)
}

// KeyHint returns the last four characters of key for display.
func KeyHint(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}
