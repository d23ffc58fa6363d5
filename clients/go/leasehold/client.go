// Package leasehold provides a client for the leasehold sandbox API.
package leasehold

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultURL is used when NewClient is given an empty base URL.
const DefaultURL = "http://localhost:8080"

// Client is a leasehold API client. APIKey is a platform key or a federated
// access token and is sent as a bearer credential.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new leasehold client.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("leasehold error %d", e.StatusCode)
	}
	return fmt.Sprintf("leasehold error %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the request cannot succeed without a
// change of credentials or state.
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// doRequest performs an HTTP request and decodes a JSON response into out
// when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Checks  map[string]struct {
		Status  string `json:"status"`
		Latency string `json:"latency,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"checks"`
}

// Health checks server health. A degraded server answers 503, which is
// returned as an error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Session is the engine's description of a sandbox session. Raw holds the
// full document as returned.
type Session struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"-"`
}

func decodeSession(raw json.RawMessage) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	s.Raw = raw
	return &s, nil
}

// CreateSession creates a sandbox session. options is forwarded to the
// engine and may be nil.
func (c *Client) CreateSession(ctx context.Context, options any) (*Session, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/sessions", options, &raw); err != nil {
		return nil, err
	}
	return decodeSession(raw)
}

// ListSessions returns the caller's session IDs, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSession fetches a session the caller owns.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &raw); err != nil {
		return nil, err
	}
	return decodeSession(raw)
}

// DeleteSession deletes a session the caller owns.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// StartSession starts execution in a session. options may be nil.
func (c *Client) StartSession(ctx context.Context, sessionID string, options any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/start", options, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// RealtimeToken is a session-scoped credential for the realtime endpoint.
type RealtimeToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	URL       string    `json:"url"`
}

// RealtimeToken mints a token for streaming sessionID.
func (c *Client) RealtimeToken(ctx context.Context, sessionID string) (*RealtimeToken, error) {
	var resp RealtimeToken
	if err := c.doRequest(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/realtime-token", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Balance is the caller's credit balance.
type Balance struct {
	UserID         string    `json:"user_id"`
	BalanceCredits int64     `json:"balance_credits"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Balance returns the caller's balance.
func (c *Client) Balance(ctx context.Context) (*Balance, error) {
	var resp Balance
	if err := c.doRequest(ctx, http.MethodGet, "/billing/balance", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Transaction is one ledger entry. Negative amounts are debits.
type Transaction struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	AmountCredits int64          `json:"amount_credits"`
	Type          string         `json:"type"`
	Description   *string        `json:"description,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Transactions returns up to limit of the caller's newest transactions. A
// zero limit uses the server default.
func (c *Client) Transactions(ctx context.Context, limit int) ([]Transaction, error) {
	path := "/billing/transactions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Key describes a platform key. The plaintext is only present on the
// response to CreateKey.
type Key struct {
	ID         string     `json:"id"`
	Key        string     `json:"key,omitempty"`
	Name       string     `json:"name"`
	Hint       string     `json:"hint"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// CreateKey issues a platform key.
func (c *Client) CreateKey(ctx context.Context, name string) (*Key, error) {
	var resp Key
	if err := c.doRequest(ctx, http.MethodPost, "/keys", map[string]string{"name": name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListKeys lists the caller's platform keys.
func (c *Client) ListKeys(ctx context.Context) ([]Key, error) {
	var resp struct {
		Keys []Key `json:"keys"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/keys", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// DeleteKey deletes one of the caller's platform keys.
func (c *Client) DeleteKey(ctx context.Context, keyID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/keys/"+url.PathEscape(keyID), nil, nil)
}

// Stream returns a realtime stream for sessionID that mints a fresh token
// through this client on every connection attempt. Zero fields of cfg take
// their defaults; URL, SessionID and Token are filled in.
func (c *Client) Stream(sessionID string, cfg StreamConfig) (*Stream, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime"

	cfg.URL = u.String()
	cfg.SessionID = sessionID
	cfg.Token = func(ctx context.Context) (string, error) {
		tok, err := c.RealtimeToken(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return tok.Token, nil
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.HTTPClient
	}
	return NewStream(cfg), nil
}
