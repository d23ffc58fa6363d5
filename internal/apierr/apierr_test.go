package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// Requirement: every taxonomy member maps to a fixed status and a non-leaking message.
func TestStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{name: "unauthorized", err: fmt.Errorf("verify: %w", ErrUnauthorized), wantStatus: http.StatusUnauthorized, wantMsg: "Unauthorized"},
		{name: "forbidden", err: ErrForbidden, wantStatus: http.StatusForbidden, wantMsg: "forbidden"},
		{name: "quota", err: ErrQuotaExceeded, wantStatus: http.StatusForbidden, wantMsg: "quota exceeded"},
		{name: "balance", err: ErrInsufficientBalance, wantStatus: http.StatusPaymentRequired, wantMsg: "insufficient balance"},
		{name: "storage hides cause", err: Storage("insert", errors.New("pq: connection refused")), wantStatus: http.StatusInternalServerError, wantMsg: "internal error"},
		{name: "engine hides cause", err: &EngineError{Op: "create", Status: 503, Err: errors.New("upstream body")}, wantStatus: http.StatusBadGateway, wantMsg: "engine unavailable"},
		{name: "input echoes field", err: InvalidInput("amountCredits", "must be positive"), wantStatus: http.StatusBadRequest, wantMsg: "invalid amountCredits: must be positive"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantMsg: "internal error"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			status, msg := Status(test.err)
			if status != test.wantStatus {
				t.Errorf("status = %d, want %d", status, test.wantStatus)
			}
			if msg != test.wantMsg {
				t.Errorf("message = %q, want %q", msg, test.wantMsg)
			}
		})
	}
}

// Requirement: wrapped errors keep their cause and match their sentinel.
func TestStorageWrapping(t *testing.T) {
	if Storage("op", nil) != nil {
		t.Fatal("Storage(nil) should be nil")
	}

	err := Storage("get balance", context.DeadlineExceeded)
	if !errors.Is(err, ErrStorage) {
		t.Error("expected errors.Is(err, ErrStorage)")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be preserved")
	}

	again := Storage("outer", err)
	var se *StorageError
	if !errors.As(again, &se) || se.Op != "get balance" {
		t.Errorf("double wrap should keep the innermost op, got %v", again)
	}
}
