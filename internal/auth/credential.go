// Package auth verifies bearer credentials. Two schemes are accepted: a
// short-lived token checked against the external identity provider, and a
// long-lived platform key checked against the key store.
package auth

import "github.com/eldtechnologies/leasehold/internal/crypto"

// Credential is a bearer credential. Its concrete type selects the
// verification path.
type Credential interface {
	credential()
}

// FederatedToken is a token issued by the identity provider.
type FederatedToken string

// PlatformKey is a long-lived key issued by this service.
type PlatformKey string

func (FederatedToken) credential() {}
func (PlatformKey) credential()    {}

// ParseCredential classifies a raw bearer token by its shape.
func ParseCredential(token string) Credential {
	if crypto.IsPlatformKey(token) {
		return PlatformKey(token)
	}
	return FederatedToken(token)
}
