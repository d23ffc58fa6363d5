package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/ledger"
	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Status        string `json:"status"` // applied, duplicate or ignored
	TransactionID string `json:"transactionId,omitempty"`
}

// PaymentWebhook turns a signed payment.succeeded delivery into exactly one
// top-up. Redeliveries of the same event id are acknowledged without effect.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Fail(w, r, apierr.InvalidInput("body", "unreadable"))
		return
	}

	if err := h.webhooks.Verify(r.Header.Get(webhook.HeaderSignature), body); err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid_signature").Inc()
		h.Fail(w, r, errors.Join(apierr.ErrUnauthorized, err))
		return
	}

	evt, err := webhook.ParseEvent(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		h.Fail(w, r, err)
		return
	}

	if evt.Type != webhook.EventPaymentSucceeded {
		metrics.WebhookEvents.WithLabelValues("ignored").Inc()
		h.logger.Debug().Str("event_id", evt.ID).Str("type", evt.Type).Msg("webhook event ignored")
		h.JSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
		return
	}

	txn, err := h.ledger.TopUpOnce(r.Context(), evt.ID, evt.Data.UserID, evt.Data.AmountCredits, "Payment "+evt.ID)
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		h.logger.Info().Str("event_id", evt.ID).Msg("duplicate webhook delivery")
		h.JSON(w, http.StatusOK, WebhookResponse{Status: "duplicate"})
		return
	}
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		h.Fail(w, r, err)
		return
	}

	metrics.WebhookEvents.WithLabelValues("applied").Inc()
	h.JSON(w, http.StatusOK, WebhookResponse{Status: "applied", TransactionID: txn.ID})
}
