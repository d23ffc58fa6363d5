package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/leasehold/internal/api/middleware"
	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/engine"
	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/models"
	"github.com/eldtechnologies/leasehold/internal/ownership"
)

const cleanupTimeout = 10 * time.Second

// SessionListResponse lists the caller's sessions, newest first.
type SessionListResponse struct {
	Sessions []string `json:"sessions"`
}

// RealtimeTokenResponse carries a session-scoped relay credential.
type RealtimeTokenResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	URL       string    `json:"url"`
}

func identity(r *http.Request) (models.Identity, error) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || id.ID == "" {
		return models.Identity{}, apierr.ErrUnauthorized
	}
	return id, nil
}

// ownedSession resolves the caller and the {id} session and fails unless the
// caller owns it.
func (h *Handler) ownedSession(r *http.Request) (models.Identity, string, error) {
	id, err := identity(r)
	if err != nil {
		return id, "", err
	}
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		return id, "", apierr.InvalidInput("id", "required")
	}
	owned, err := h.registry.CheckOwnership(r.Context(), id.ID, sessionID)
	if err != nil {
		return id, "", err
	}
	if !owned {
		return id, "", apierr.ErrForbidden
	}
	return id, sessionID, nil
}

// CreateSession checks quota and balance, asks the engine for a session and
// records the caller as its owner. If the record cannot be written the
// engine session is deleted again.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	body, err := rawBody(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	if err := h.quota.CheckCreate(r.Context(), id.ID); err != nil {
		h.Fail(w, r, err)
		return
	}

	session, err := h.engine.CreateSession(r.Context(), id.ID, body)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	if err := h.registry.Register(r.Context(), id.ID, session.ID); err != nil {
		// A session id that already has an owner belongs to someone else.
		if !errors.Is(err, ownership.ErrAlreadyRegistered) {
			h.discardSession(session.ID)
		}
		h.Fail(w, r, err)
		return
	}

	metrics.SessionsCreated.Inc()
	h.logger.Info().Str("user_id", id.ID).Str("session_id", session.ID).Msg("session created")
	h.rawJSON(w, http.StatusCreated, session.Raw)
}

// discardSession deletes an engine session that could not be registered.
// It runs detached from the request so a cancelled client does not leak it.
func (h *Handler) discardSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := h.engine.DeleteSession(ctx, sessionID); err != nil && !engine.IsNotFound(err) {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to delete unregistered engine session")
	}
}

// ListSessions returns the caller's session ids, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	sessions, err := h.registry.ListOwned(r.Context(), id.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, SessionListResponse{Sessions: sessions})
}

// GetSession proxies the engine's view of an owned session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	_, sessionID, err := h.ownedSession(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	session, err := h.engine.GetSession(r.Context(), sessionID)
	if err != nil {
		if engine.IsNotFound(err) {
			err = apierr.ErrNotFound
		}
		h.Fail(w, r, err)
		return
	}
	h.rawJSON(w, http.StatusOK, session.Raw)
}

// DeleteSession deletes an owned session at the engine and then drops the
// ownership record. An engine 404 still drops the record.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, sessionID, err := h.ownedSession(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.engine.DeleteSession(r.Context(), sessionID); err != nil && !engine.IsNotFound(err) {
		h.Fail(w, r, err)
		return
	}
	if err := h.registry.Unregister(r.Context(), id.ID, sessionID); err != nil {
		h.Fail(w, r, err)
		return
	}

	metrics.SessionsDeleted.Inc()
	h.logger.Info().Str("user_id", id.ID).Str("session_id", sessionID).Msg("session deleted")
	w.WriteHeader(http.StatusNoContent)
}

// StartSession requires a positive balance and forwards the start request.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	id, sessionID, err := h.ownedSession(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	body, err := rawBody(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.quota.CheckBalance(r.Context(), id.ID); err != nil {
		h.Fail(w, r, err)
		return
	}
	resp, err := h.engine.StartSession(r.Context(), sessionID, body)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.rawJSON(w, http.StatusOK, resp)
}

// RealtimeToken mints a relay token scoped to one owned session.
func (h *Handler) RealtimeToken(w http.ResponseWriter, r *http.Request) {
	id, sessionID, err := h.ownedSession(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	token, expires, err := h.tokens.Mint(id.ID, sessionID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, RealtimeTokenResponse{
		Token:     token,
		SessionID: sessionID,
		ExpiresAt: expires.UTC(),
		URL:       "/realtime",
	})
}

// rawJSON writes an engine response through unchanged.
func (h *Handler) rawJSON(w http.ResponseWriter, status int, raw []byte) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}
