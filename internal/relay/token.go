package relay

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/eldtechnologies/leasehold/internal/crypto"
)

// TokenAudience scopes tokens to the realtime relay.
const TokenAudience = "realtime"

// DefaultTokenTTL is the lifetime of a realtime token.
const DefaultTokenTTL = 15 * time.Minute

var (
	ErrInvalidToken     = errors.New("relay: invalid token")
	ErrTokenExpired     = errors.New("relay: token expired")
	ErrAudienceMismatch = errors.New("relay: token audience mismatch")
	ErrSessionMismatch  = errors.New("relay: token not valid for session")
)

// Claims is the signed token payload.
type Claims struct {
	Subject   string `cbor:"sub"`
	SessionID string `cbor:"sid"`
	Audience  string `cbor:"aud"`
	ID        string `cbor:"jti"`
	IssuedAt  int64  `cbor:"iat"`
	ExpiresAt int64  `cbor:"exp"`
}

var (
	tokenEncMode cbor.EncMode
	tokenDecMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding: the same claims always produce the same bytes.
	tokenEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("relay: CBOR encoder initialization failed: " + err.Error())
	}
	tokenDecMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("relay: CBOR decoder initialization failed: " + err.Error())
	}
}

// TokenIssuer mints and verifies session-scoped realtime tokens.
type TokenIssuer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	ttl  time.Duration
	now  func() time.Time
}

// NewTokenIssuer derives the signing key from the master secret, so every
// instance accepts tokens minted by any other.
func NewTokenIssuer(master []byte, ttl time.Duration) (*TokenIssuer, error) {
	priv, err := crypto.DeriveSigningKey(master, crypto.InfoRealtimeToken)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		ttl:  ttl,
		now:  time.Now,
	}, nil
}

// Mint issues a token letting userID follow sessionID.
func (t *TokenIssuer) Mint(userID, sessionID string) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := Claims{
		Subject:   userID,
		SessionID: sessionID,
		Audience:  TokenAudience,
		ID:        crypto.NewULID(),
		IssuedAt:  now.Unix(),
		ExpiresAt: expires.Unix(),
	}

	payload, err := tokenEncMode.Marshal(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode token claims: %w", err)
	}
	signed := crypto.SignDetached(t.priv, payload)
	return base64.RawURLEncoding.EncodeToString(signed), expires, nil
}

// Verify checks the signature, expiry and audience of token and that it was
// minted for sessionID.
func (t *TokenIssuer) Verify(token, sessionID string) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalidToken)
	}
	payload, err := crypto.OpenDetached(t.pub, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var claims Claims
	if err := tokenDecMode.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}

	if t.now().Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if claims.Audience != TokenAudience {
		return nil, fmt.Errorf("%w: got %q", ErrAudienceMismatch, claims.Audience)
	}
	if claims.SessionID != sessionID {
		return nil, ErrSessionMismatch
	}
	return &claims, nil
}
