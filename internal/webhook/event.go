package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/eldtechnologies/leasehold/internal/apierr"
)

// EventPaymentSucceeded is the only event type that moves credits.
const EventPaymentSucceeded = "payment.succeeded"

// Event is a payment processor delivery. ID is unique per event and is the
// idempotency key for the resulting top-up.
type Event struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data PaymentData `json:"data"`
}

// PaymentData is the payload of a payment.succeeded event.
type PaymentData struct {
	UserID        string `json:"userId"`
	AmountCredits int64  `json:"amountCredits"`
}

// ParseEvent decodes body. Payment events must name a user and a positive
// amount; other types are returned as-is for the caller to ignore.
func ParseEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, apierr.InvalidInput("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	if evt.ID == "" {
		return nil, apierr.InvalidInput("id", "required")
	}
	if evt.Type != EventPaymentSucceeded {
		return &evt, nil
	}
	if evt.Data.UserID == "" {
		return nil, apierr.InvalidInput("data.userId", "required")
	}
	if evt.Data.AmountCredits <= 0 {
		return nil, apierr.InvalidInput("data.amountCredits", "must be positive")
	}
	return &evt, nil
}
