package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/auth"
	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/models"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

const (
	HeaderInternalSecret = "X-Internal-Secret"
	HeaderAdminToken     = "X-Admin-Token"
)

// Paths that bypass bearer authentication entirely.
var publicPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/metrics": true,
}

// Prefixes guarded by their own scheme instead of a bearer credential.
var delegatedPrefixes = []string{
	"/internal/", // shared secret
	"/webhooks/", // payment signature
	"/admin/",    // admin token
	"/realtime",  // session-scoped token
}

// IsPublic reports whether path skips bearer authentication.
func IsPublic(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, prefix := range delegatedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (models.Identity, error)
}

// Gateway authenticates every request that is not on the allow-list.
type Gateway struct {
	verifier TokenVerifier
	logger   zerolog.Logger
}

// NewGateway creates the auth gateway.
func NewGateway(verifier TokenVerifier, logger zerolog.Logger) *Gateway {
	return &Gateway{
		verifier: verifier,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
}

// Authenticate classifies path and verifies the Authorization header. It
// returns a nil identity for allow-listed paths. Every failure is
// apierr.ErrUnauthorized, except a key store outage which stays a storage error.
func (g *Gateway) Authenticate(ctx context.Context, path, header string) (*models.Identity, error) {
	if IsPublic(path) {
		return nil, nil
	}

	token, reason := bearerToken(header)
	if reason != "" {
		g.reject(reason, path, nil)
		return nil, apierr.ErrUnauthorized
	}

	identity, err := g.verifier.VerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, apierr.ErrStorage) {
			return nil, err
		}
		g.reject(failureReason(err), path, err)
		return nil, apierr.ErrUnauthorized
	}
	return &identity, nil
}

// Middleware attaches the authenticated identity to the request context.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.Authenticate(r.Context(), r.URL.Path, r.Header.Get("Authorization"))
		if err != nil {
			if errors.Is(err, apierr.ErrStorage) {
				g.logger.Error().Err(err).Str("path", r.URL.Path).Msg("credential lookup failed")
				jsonError(w, http.StatusInternalServerError, "internal error")
				return
			}
			unauthorized(w)
			return
		}
		if identity != nil {
			r = r.WithContext(context.WithValue(r.Context(), IdentityContextKey, *identity))
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) reject(reason, path string, err error) {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	g.logger.Info().
		Str("type", "security").
		Str("reason", reason).
		Str("path", path).
		Err(err).
		Msg("request rejected")
}

// bearerToken extracts the token from "Bearer <token>". The scheme match is
// case-insensitive. A non-empty reason means the header is unusable.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing_header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "bad_scheme"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty_token"
	}
	return token, ""
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrKeyRevoked):
		return "key_revoked"
	case errors.Is(err, auth.ErrKeyNotFound):
		return "key_not_found"
	default:
		return "invalid_token"
	}
}

// IdentityFromContext returns the identity stored by Gateway.Middleware.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(models.Identity)
	return identity, ok
}

// RequireInternalSecret guards engine-to-core calls with a shared secret.
func RequireInternalSecret(secret string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderInternalSecret)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				metrics.AuthFailures.WithLabelValues("internal_secret").Inc()
				logger.Warn().
					Str("type", "security").
					Str("path", r.URL.Path).
					Str("ip", RealIP(r)).
					Msg("internal secret mismatch")
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdminToken guards admin routes with a token checked against its
// bcrypt hash.
func RequireAdminToken(tokenHash string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderAdminToken)
			if tokenHash == "" || token == "" ||
				bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
				metrics.AuthFailures.WithLabelValues("admin_token").Inc()
				logger.Warn().
					Str("type", "security").
					Str("path", r.URL.Path).
					Str("ip", RealIP(r)).
					Msg("admin token rejected")
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	jsonError(w, http.StatusUnauthorized, "Unauthorized")
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
