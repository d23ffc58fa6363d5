package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/crypto"
	"github.com/eldtechnologies/leasehold/internal/models"
)

// CreateKeyRequest names a new platform key.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKeyResponse is the only time the plaintext key is returned.
type CreateKeyResponse struct {
	Key string `json:"key"`
	models.PlatformKey
}

// KeyListResponse lists the caller's keys without their secrets.
type KeyListResponse struct {
	Keys []models.PlatformKey `json:"keys"`
}

func (h *Handler) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.storeTimeout)
}

// CreateKey issues a platform key for the caller.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	var req CreateKeyRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.Fail(w, r, err)
		return
	}
	name := sanitizeName(req.Name)
	if name == "" {
		name = "default"
	}

	plaintext, err := crypto.GeneratePlatformKey()
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	key := models.PlatformKey{
		ID:        crypto.NewUUIDv7().String(),
		UserID:    id.ID,
		Name:      name,
		KeyHash:   h.hasher.Hash(plaintext),
		Hint:      crypto.KeyHint(plaintext),
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := h.withStoreTimeout(r.Context())
	defer cancel()
	if err := h.store.CreatePlatformKey(ctx, &key); err != nil {
		h.Fail(w, r, apierr.Storage("create platform key", err))
		return
	}

	h.logger.Info().Str("user_id", id.ID).Str("key_id", key.ID).Msg("platform key created")
	h.JSON(w, http.StatusCreated, CreateKeyResponse{Key: plaintext, PlatformKey: key})
}

// ListKeys lists the caller's keys.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	ctx, cancel := h.withStoreTimeout(r.Context())
	defer cancel()
	keys, err := h.store.ListPlatformKeys(ctx, id.ID)
	if err != nil {
		h.Fail(w, r, apierr.Storage("list platform keys", err))
		return
	}
	if keys == nil {
		keys = []models.PlatformKey{}
	}
	h.JSON(w, http.StatusOK, KeyListResponse{Keys: keys})
}

// DeleteKey revokes one of the caller's keys by deleting it.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	ctx, cancel := h.withStoreTimeout(r.Context())
	defer cancel()
	deleted, err := h.store.DeletePlatformKey(ctx, id.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, apierr.Storage("delete platform key", err))
		return
	}
	if !deleted {
		h.Fail(w, r, apierr.ErrNotFound)
		return
	}

	h.logger.Info().Str("user_id", id.ID).Str("key_id", chi.URLParam(r, "id")).Msg("platform key deleted")
	w.WriteHeader(http.StatusNoContent)
}
