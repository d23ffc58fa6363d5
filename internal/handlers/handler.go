package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/crypto"
	"github.com/eldtechnologies/leasehold/internal/engine"
	"github.com/eldtechnologies/leasehold/internal/ledger"
	"github.com/eldtechnologies/leasehold/internal/ownership"
	"github.com/eldtechnologies/leasehold/internal/quota"
	"github.com/eldtechnologies/leasehold/internal/relay"
	"github.com/eldtechnologies/leasehold/internal/store"
	"github.com/eldtechnologies/leasehold/internal/webhook"
)

const (
	maxJSONBody = 64 * 1024
	// Engine event batches carry tool output; they share the router's cap.
	maxIngestBody = 1 << 20
)

// Engine is the session lifecycle surface of the sandbox engine.
type Engine interface {
	CreateSession(ctx context.Context, userID string, body json.RawMessage) (*engine.Session, error)
	GetSession(ctx context.Context, sessionID string) (*engine.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	StartSession(ctx context.Context, sessionID string, body json.RawMessage) (json.RawMessage, error)
}

// RelayStats reports relay occupancy.
type RelayStats interface {
	Sessions() int
}

// IPUnblocker lifts rate limiter blocks.
type IPUnblocker interface {
	Unblock(ctx context.Context, ip string) error
}

// Deps are the collaborators the handlers are built from. Redis and
// Blocker may be nil.
type Deps struct {
	Store      store.DataStore
	Redis      *store.RedisStore
	Registry   *ownership.Registry
	Ledger     *ledger.Service
	Quota      *quota.Guard
	Engine     Engine
	Relay      relay.Publisher
	RelayStats RelayStats
	Tokens     *relay.TokenIssuer
	Hasher     *crypto.KeyHasher
	Webhooks   *webhook.Verifier
	Blocker    IPUnblocker
	Logger     zerolog.Logger

	StoreTimeout time.Duration
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store      store.DataStore
	redis      *store.RedisStore
	registry   *ownership.Registry
	ledger     *ledger.Service
	quota      *quota.Guard
	engine     Engine
	relay      relay.Publisher
	relayStats RelayStats
	tokens     *relay.TokenIssuer
	hasher     *crypto.KeyHasher
	webhooks   *webhook.Verifier
	blocker    IPUnblocker
	logger     zerolog.Logger

	storeTimeout time.Duration
	started      time.Time
}

// NewHandler creates a Handler from its dependencies.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:      d.Store,
		redis:      d.Redis,
		registry:   d.Registry,
		ledger:     d.Ledger,
		quota:      d.Quota,
		engine:     d.Engine,
		relay:      d.Relay,
		relayStats: d.RelayStats,
		tokens:     d.Tokens,
		hasher:     d.Hasher,
		webhooks:   d.Webhooks,
		blocker:    d.Blocker,
		logger:     d.Logger.With().Str("component", "handlers").Logger(),

		storeTimeout: d.StoreTimeout,
		started:      time.Now(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail logs err and answers with its mapped status and minimal body.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := apierr.Status(err)

	event := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Msg("request failed")

	h.Error(w, status, message)
}

// decodeJSON decodes the request body into v. An empty body is an error
// unless allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	return decodeJSONLimit(r, v, allowEmpty, maxJSONBody)
}

// decodeJSONLimit is decodeJSON with a caller-chosen size cap.
func decodeJSONLimit(r *http.Request, v any, allowEmpty bool, limit int64) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return apierr.InvalidInput("body", "unreadable")
	}
	if int64(len(body)) > limit {
		return apierr.InvalidInput("body", "too large")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if allowEmpty {
			return nil
		}
		return apierr.InvalidInput("body", "required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return apierr.InvalidInput(typeErr.Field, fmt.Sprintf("expected %s", typeErr.Type))
		}
		return apierr.InvalidInput("body", "malformed JSON")
	}
	return nil
}

// rawBody reads an optional JSON body for proxying. It returns nil for an
// empty body and rejects anything that is not JSON.
func rawBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw, true); err != nil {
		return nil, err
	}
	return raw, nil
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}
