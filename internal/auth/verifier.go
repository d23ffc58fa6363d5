package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/crypto"
	"github.com/eldtechnologies/leasehold/internal/models"
)

var (
	// ErrInvalidCredential is the only credential failure callers see.
	ErrInvalidCredential = errors.New("invalid credential")

	ErrKeyNotFound = errors.New("platform key not found")
	ErrKeyRevoked  = errors.New("platform key revoked")
)

const (
	providerBodyLimit = 512
	touchTimeout      = 5 * time.Second
)

// KeyLookup is the slice of the key store the verifier needs.
type KeyLookup interface {
	GetPlatformKeyByHash(ctx context.Context, keyHash string) (*models.PlatformKey, error)
	TouchPlatformKey(ctx context.Context, id string, at time.Time) error
}

// Config configures the federated path.
type Config struct {
	IdentityURL    string
	IdentityAPIKey string
	HTTPClient     *http.Client
}

// Verifier turns a credential into an Identity.
type Verifier struct {
	keys        KeyLookup
	hasher      *crypto.KeyHasher
	client      *http.Client
	identityURL string
	apiKey      string
	logger      zerolog.Logger
	now         func() time.Time

	touches sync.WaitGroup
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config, keys KeyLookup, hasher *crypto.KeyHasher, logger zerolog.Logger) *Verifier {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{
		keys:        keys,
		hasher:      hasher,
		client:      client,
		identityURL: cfg.IdentityURL,
		apiKey:      cfg.IdentityAPIKey,
		logger:      logger.With().Str("component", "auth").Logger(),
		now:         time.Now,
	}
}

// Verify authenticates cred. Credential problems are reported as
// ErrInvalidCredential; key store outages as apierr.ErrStorage.
func (v *Verifier) Verify(ctx context.Context, cred Credential) (models.Identity, error) {
	switch c := cred.(type) {
	case PlatformKey:
		return v.verifyPlatformKey(ctx, string(c))
	case FederatedToken:
		return v.verifyFederated(ctx, string(c))
	default:
		return models.Identity{}, fmt.Errorf("%w: unknown credential type %T", ErrInvalidCredential, cred)
	}
}

// VerifyToken parses and verifies a raw bearer token.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (models.Identity, error) {
	return v.Verify(ctx, ParseCredential(token))
}

// Wait blocks until pending last-used updates finish.
func (v *Verifier) Wait() {
	v.touches.Wait()
}

func (v *Verifier) verifyPlatformKey(ctx context.Context, key string) (models.Identity, error) {
	record, err := v.keys.GetPlatformKeyByHash(ctx, v.hasher.Hash(key))
	if err != nil {
		return models.Identity{}, apierr.Storage("lookup platform key", err)
	}
	if record == nil {
		return models.Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, ErrKeyNotFound)
	}
	if record.RevokedAt != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, ErrKeyRevoked)
	}

	v.touch(record.ID)

	return models.Identity{ID: record.UserID, Email: "user-" + record.UserID}, nil
}

// touch records key use without holding up the request.
func (v *Verifier) touch(keyID string) {
	v.touches.Add(1)
	go func() {
		defer v.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := v.keys.TouchPlatformKey(ctx, keyID, v.now().UTC()); err != nil {
			v.logger.Warn().Err(err).Str("key_id", keyID).Msg("failed to update key last_used_at")
		}
	}()
}

type providerUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (v *Verifier) verifyFederated(ctx context.Context, token string) (models.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.identityURL+"/user", nil)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn().Err(err).Msg("identity provider unreachable")
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, providerBodyLimit))
		v.logger.Info().
			Int("status", resp.StatusCode).
			Str("provider_body", string(body)).
			Msg("identity provider rejected token")
		return models.Identity{}, fmt.Errorf("%w: provider status %d", ErrInvalidCredential, resp.StatusCode)
	}

	var user providerUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return models.Identity{}, fmt.Errorf("%w: decode provider response: %v", ErrInvalidCredential, err)
	}
	if user.ID == "" {
		return models.Identity{}, fmt.Errorf("%w: provider returned no user id", ErrInvalidCredential)
	}

	return models.Identity{ID: user.ID, Email: user.Email}, nil
}
