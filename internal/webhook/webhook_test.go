package webhook

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/eldtechnologies/leasehold/internal/apierr"
)

var testSecret = []byte("whsec_test")

func newTestVerifier(now time.Time) *Verifier {
	v := NewVerifier(testSecret, 0)
	v.now = func() time.Time { return now }
	return v
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"id":"evt_1","type":"payment.succeeded"}`)

	header := Sign(testSecret, body, now)
	if !strings.HasPrefix(header, fmt.Sprintf("t=%d,v1=", now.Unix())) {
		t.Fatalf("header = %q", header)
	}
	if err := newTestVerifier(now.Add(time.Minute)).Verify(header, body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"id":"evt_1"}`)
	good := Sign(testSecret, body, now)

	tests := []struct {
		name   string
		header string
		body   []byte
		at     time.Time
		want   error
	}{
		{"missing", "", body, now, ErrMissingSignature},
		{"no timestamp", "v1=abcd", body, now, ErrMalformedHeader},
		{"no signature", "t=1760000000", body, now, ErrMalformedHeader},
		{"bad hex", "t=1760000000,v1=zz", body, now, ErrMalformedHeader},
		{"garbage", "nonsense", body, now, ErrMalformedHeader},
		{"tampered body", good, []byte(`{"id":"evt_2"}`), now, ErrSignatureInvalid},
		{"other secret", Sign([]byte("other"), body, now), body, now, ErrSignatureInvalid},
		{"too old", good, body, now.Add(6 * time.Minute), ErrStaleTimestamp},
		{"from the future", good, body, now.Add(-6 * time.Minute), ErrStaleTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestVerifier(tt.at).Verify(tt.header, tt.body)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyAcceptsAnyRotatedSignature(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{}`)
	good := Sign(testSecret, body, now)
	_, sig, _ := strings.Cut(good, ",v1=")

	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(), strings.Repeat("00", 32), sig)
	if err := newTestVerifier(now).Verify(header, body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"payment", `{"id":"evt_1","type":"payment.succeeded","data":{"userId":"u1","amountCredits":5000}}`, false},
		{"other type ignored", `{"id":"evt_2","type":"payment.refunded","data":{}}`, false},
		{"no id", `{"type":"payment.succeeded","data":{"userId":"u1","amountCredits":5}}`, true},
		{"no user", `{"id":"evt_3","type":"payment.succeeded","data":{"amountCredits":5}}`, true},
		{"zero amount", `{"id":"evt_4","type":"payment.succeeded","data":{"userId":"u1"}}`, true},
		{"negative amount", `{"id":"evt_5","type":"payment.succeeded","data":{"userId":"u1","amountCredits":-5}}`, true},
		{"malformed", `{"id":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseEvent([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, apierr.ErrInvalidInput) {
					t.Fatalf("err = %v, want invalid input", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if evt.ID == "" {
				t.Errorf("event = %+v", evt)
			}
		})
	}
}
