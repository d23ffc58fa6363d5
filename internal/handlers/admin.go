package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/models"
)

// CreditAdjustmentRequest is a manual ledger entry. AmountCredits is signed.
type CreditAdjustmentRequest struct {
	UserID        string                 `json:"userId"`
	AmountCredits int64                  `json:"amountCredits"`
	Type          models.TransactionType `json:"type"`
	Description   string                 `json:"description"`
}

// StatsResponse summarises live relay state.
type StatsResponse struct {
	RelaySessions int    `json:"relay_sessions"`
	Uptime        string `json:"uptime"`
	Version       string `json:"version"`
}

// AdjustCredits records a top-up or refund on behalf of a user. The
// default type follows the sign of the amount. A negative adjustment may
// not take the balance below zero.
func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req CreditAdjustmentRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.Fail(w, r, err)
		return
	}

	if req.Type == "" {
		req.Type = models.TransactionTopUp
		if req.AmountCredits < 0 {
			req.Type = models.TransactionRefund
		}
	}
	if req.Type != models.TransactionTopUp && req.Type != models.TransactionRefund {
		h.Fail(w, r, apierr.InvalidInput("type", "must be top-up or refund"))
		return
	}
	description := sanitizeName(req.Description)
	if description == "" {
		description = "Manual adjustment"
	}

	if req.AmountCredits < 0 {
		bal, err := h.ledger.GetBalance(r.Context(), req.UserID)
		if err != nil {
			h.Fail(w, r, err)
			return
		}
		if bal.BalanceCredits+req.AmountCredits < 0 {
			h.Fail(w, r, apierr.InvalidInput("amountCredits", "exceeds balance"))
			return
		}
	}

	txn, err := h.ledger.AddTransaction(r.Context(), req.UserID, req.AmountCredits, req.Type, description, map[string]any{
		"source": "admin",
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.logger.Warn().
		Str("type", "audit").
		Str("user_id", req.UserID).
		Str("transaction_id", txn.ID).
		Int64("amount_credits", req.AmountCredits).
		Msg("manual credit adjustment")
	h.JSON(w, http.StatusCreated, txn)
}

// UserBalance returns any user's balance alongside the transaction sum.
func (h *Handler) UserBalance(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, rec)
}

// RevokeKey marks any platform key revoked without deleting it.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")

	ctx, cancel := h.withStoreTimeout(r.Context())
	defer cancel()
	revoked, err := h.store.RevokePlatformKey(ctx, keyID, time.Now().UTC())
	if err != nil {
		h.Fail(w, r, apierr.Storage("revoke platform key", err))
		return
	}
	if !revoked {
		h.Fail(w, r, apierr.ErrNotFound)
		return
	}

	h.logger.Warn().Str("type", "audit").Str("key_id", keyID).Msg("platform key revoked")
	w.WriteHeader(http.StatusNoContent)
}

// UnblockIP lifts a rate limiter block.
func (h *Handler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		h.Fail(w, r, apierr.InvalidInput("ip", "not an IP address"))
		return
	}
	if h.blocker == nil {
		h.Fail(w, r, apierr.ErrNotFound)
		return
	}
	if err := h.blocker.Unblock(r.Context(), ip); err != nil {
		h.Fail(w, r, apierr.Storage("unblock ip", err))
		return
	}

	h.logger.Warn().Str("type", "audit").Str("ip", ip).Msg("ip unblocked")
	w.WriteHeader(http.StatusNoContent)
}

// Stats reports relay occupancy and process uptime.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Version: version,
	}
	if h.relayStats != nil {
		resp.RelaySessions = h.relayStats.Sessions()
	}
	h.JSON(w, http.StatusOK, resp)
}
