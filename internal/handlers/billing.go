package handlers

import (
	"net/http"
	"strconv"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/models"
)

// TransactionListResponse lists a user's newest transactions.
type TransactionListResponse struct {
	Transactions []models.Transaction `json:"transactions"`
}

// GetBalance returns the caller's balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	bal, err := h.ledger.GetBalance(r.Context(), id.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, bal)
}

// ListTransactions returns the caller's transactions, newest first.
// ?limit= is clamped to 100.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.Fail(w, r, apierr.InvalidInput("limit", "must be a positive integer"))
			return
		}
	}

	txns, err := h.ledger.ListTransactions(r.Context(), id.ID, limit)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, TransactionListResponse{Transactions: txns})
}
