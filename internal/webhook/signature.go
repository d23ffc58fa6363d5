// Package webhook verifies payment processor deliveries.
//
// Deliveries carry X-Signature: t=<unix seconds>,v1=<hex hmac>. The HMAC is
// SHA-256 keyed by the shared secret over "<t>.<raw body>". Several v1 values
// may be present while the processor rotates secrets; any match is accepted.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Signature"

	// DefaultTolerance bounds the age of an accepted delivery.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrMalformedHeader  = errors.New("webhook: malformed signature header")
	ErrStaleTimestamp   = errors.New("webhook: timestamp outside tolerance")
	ErrSignatureInvalid = errors.New("webhook: signature mismatch")
)

func compute(secret []byte, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the X-Signature header value for body at time at.
func Sign(secret []byte, body []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(compute(secret, ts, body)))
}

// Verifier checks signature headers against one secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. A non-positive tolerance means DefaultTolerance.
func NewVerifier(secret []byte, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Verify checks header against body.
func (v *Verifier) Verify(header string, body []byte) error {
	if header == "" {
		return ErrMissingSignature
	}
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age < -v.tolerance || age > v.tolerance {
		return fmt.Errorf("%w: age %s", ErrStaleTimestamp, age.Round(time.Second))
	}

	expected := compute(v.secret, ts, body)
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

func parseHeader(header string) (int64, [][]byte, error) {
	var (
		ts    int64
		haveT bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformedHeader
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedHeader, err)
			}
			ts, haveT = parsed, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: signature: %v", ErrMalformedHeader, err)
			}
			sigs = append(sigs, sig)
		}
	}
	if !haveT || len(sigs) == 0 {
		return 0, nil, ErrMalformedHeader
	}
	return ts, sigs, nil
}
