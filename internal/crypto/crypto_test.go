package crypto

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef")

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey(testMaster, InfoKeyPepper, 32)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := DeriveKey(testMaster, InfoKeyPepper, 32)
	if !bytes.Equal(a, b) {
		t.Fatal("derivation must be deterministic")
	}
	c, _ := DeriveKey(testMaster, InfoRealtimeToken, 32)
	if bytes.Equal(a, c) {
		t.Fatal("different labels must derive different keys")
	}
	if _, err := DeriveKey([]byte("short"), InfoKeyPepper, 32); err != ErrSecretTooShort {
		t.Fatalf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestPlatformKeyHashing(t *testing.T) {
	key, err := GeneratePlatformKey()
	if err != nil {
		t.Fatal(err)
	}
	if !IsPlatformKey(key) {
		t.Fatalf("generated key %q lacks prefix", key)
	}
	if IsPlatformKey(PlatformKeyPrefix) || IsPlatformKey("eyJhbGciOi") {
		t.Fatal("bare prefix and JWT-looking strings are not platform keys")
	}

	h, err := NewKeyHasher(testMaster)
	if err != nil {
		t.Fatal(err)
	}
	if h.Hash(key) != h.Hash(key) {
		t.Fatal("hash must be deterministic")
	}
	if strings.Contains(h.Hash(key), key) {
		t.Fatal("hash must not contain the key")
	}

	other, _ := NewKeyHasher([]byte("fedcba9876543210fedcba9876543210"))
	if h.Hash(key) == other.Hash(key) {
		t.Fatal("hash must depend on the pepper")
	}

	if got := KeyHint(key); got != key[len(key)-4:] {
		t.Fatalf("hint = %q", got)
	}
}

func TestSignDetached(t *testing.T) {
	priv, err := DeriveSigningKey(testMaster, InfoRealtimeToken)
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	signed := SignDetached(priv, []byte("payload"))

	got, err := OpenDetached(pub, signed)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("payload = %q", got)
	}

	signed[0] ^= 0xff
	if _, err := OpenDetached(pub, signed); err != ErrInvalidSignature {
		t.Fatalf("tampered payload: expected ErrInvalidSignature, got %v", err)
	}
	if _, err := OpenDetached(pub, []byte("short")); err != ErrInvalidSignature {
		t.Fatalf("short input: expected ErrInvalidSignature, got %v", err)
	}
}
