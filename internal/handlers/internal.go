package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/models"
)

const maxEventsPerBatch = 500

// IngestResponse reports how many events were handed to the relay.
type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// UsageRequest reports elapsed sandbox time for a session.
type UsageRequest struct {
	UserID     string `json:"userId"`
	SessionID  string `json:"sessionId"`
	DurationMs int64  `json:"durationMs"`
}

// TokenUsageRequest reports model tokens consumed for a session.
type TokenUsageRequest struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	Service      string `json:"service"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// ChargeResponse reports a metering debit. Transaction is nil when the
// charge rounded to zero.
type ChargeResponse struct {
	ChargedCredits int64               `json:"chargedCredits"`
	Transaction    *models.Transaction `json:"transaction,omitempty"`
}

// IngestEvents accepts one event or an array of events from the engine and
// publishes them to the session's relay. Data is passed through untouched.
func (h *Handler) IngestEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var raw json.RawMessage
	if err := decodeJSONLimit(r, &raw, false, maxIngestBody); err != nil {
		h.Fail(w, r, err)
		return
	}

	var events []models.RealtimeEvent
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			h.Fail(w, r, apierr.InvalidInput("body", "malformed event array"))
			return
		}
	} else {
		var evt models.RealtimeEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			h.Fail(w, r, apierr.InvalidInput("body", "malformed event"))
			return
		}
		events = append(events, evt)
	}
	if len(events) > maxEventsPerBatch {
		h.Fail(w, r, apierr.InvalidInput("body", fmt.Sprintf("at most %d events per request", maxEventsPerBatch)))
		return
	}

	for i := range events {
		if events[i].SessionID == "" {
			events[i].SessionID = sessionID
		}
		if events[i].SessionID != sessionID {
			h.Fail(w, r, apierr.InvalidInput("sessionId", "does not match path"))
			return
		}
		if events[i].Seq <= 0 {
			h.Fail(w, r, apierr.InvalidInput("seq", "must be positive"))
			return
		}
		if events[i].Type == "" {
			h.Fail(w, r, apierr.InvalidInput("type", "required"))
			return
		}
	}

	for _, evt := range events {
		if err := h.relay.Publish(r.Context(), evt); err != nil {
			h.Fail(w, r, err)
			return
		}
	}

	h.JSON(w, http.StatusAccepted, IngestResponse{Accepted: len(events)})
}

// ReportUsage debits sandbox time reported by the engine.
func (h *Handler) ReportUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.Fail(w, r, err)
		return
	}
	if req.UserID == "" {
		h.Fail(w, r, apierr.InvalidInput("userId", "required"))
		return
	}
	if req.SessionID == "" {
		h.Fail(w, r, apierr.InvalidInput("sessionId", "required"))
		return
	}

	txn, err := h.ledger.ReportUsage(r.Context(), req.UserID, req.SessionID, req.DurationMs)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, chargeResponse(txn))
}

// ReportTokenUsage debits model tokens reported by the engine.
func (h *Handler) ReportTokenUsage(w http.ResponseWriter, r *http.Request) {
	var req TokenUsageRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.Fail(w, r, err)
		return
	}
	if req.UserID == "" {
		h.Fail(w, r, apierr.InvalidInput("userId", "required"))
		return
	}
	if req.SessionID == "" {
		h.Fail(w, r, apierr.InvalidInput("sessionId", "required"))
		return
	}

	txn, err := h.ledger.ReportTokenUsage(r.Context(), req.UserID, req.SessionID, req.Service, req.InputTokens, req.OutputTokens, req.Model)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, chargeResponse(txn))
}

func chargeResponse(txn *models.Transaction) ChargeResponse {
	if txn == nil {
		return ChargeResponse{}
	}
	return ChargeResponse{ChargedCredits: -txn.AmountCredits, Transaction: txn}
}
