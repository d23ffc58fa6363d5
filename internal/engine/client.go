// Package engine is the HTTP client for the sandbox engine, the external
// system of record for session lifecycle.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/metrics"
)

// Header names sent on every engine call.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderInternalSecret = "X-Internal-Secret"
)

const errorBodyLimit = 512

// Session is the engine's view of a session. Raw holds the full response
// for proxying.
type Session struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"-"`
}

// Client calls the sandbox engine.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates an engine client. timeout bounds every call.
func NewClient(baseURL, secret string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "engine").Logger(),
	}
}

// IsNotFound reports whether err is an engine 404.
func IsNotFound(err error) bool {
	var engErr *apierr.EngineError
	return errors.As(err, &engErr) && engErr.Status == http.StatusNotFound
}

// CreateSession asks the engine for a new session owned by userID. body is
// forwarded as the session options and may be empty.
func (c *Client) CreateSession(ctx context.Context, userID string, body json.RawMessage) (*Session, error) {
	payload := map[string]any{"userId": userID}
	if len(body) > 0 {
		payload["options"] = body
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, "create", http.MethodPost, "/sessions", raw)
	if err != nil {
		return nil, err
	}

	var created struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, &apierr.EngineError{Op: "create", Err: fmt.Errorf("decode response: %w", err)}
	}
	id := created.ID
	if id == "" {
		id = created.SessionID
	}
	if id == "" {
		return nil, &apierr.EngineError{Op: "create", Err: errors.New("response carried no session id")}
	}
	return &Session{ID: id, Raw: resp}, nil
}

// GetSession fetches a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	resp, err := c.do(ctx, "get", http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	return &Session{ID: sessionID, Raw: resp}, nil
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil)
	return err
}

// StartSession starts the agent in a session and returns the engine response.
func (c *Client) StartSession(ctx context.Context, sessionID string, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, "start", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/start", body)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &apierr.EngineError{Op: op, Err: err}
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderRequestID, requestID(ctx))
	if c.secret != "" {
		req.Header.Set(HeaderInternalSecret, c.secret)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.EngineLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EngineRequests.WithLabelValues(op, "error").Inc()
		c.logger.Warn().Err(err).Str("op", op).Msg("engine unreachable")
		return nil, &apierr.EngineError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	metrics.EngineRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		c.logger.Warn().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("engine_body", string(detail)).
			Msg("engine returned an error")
		return nil, &apierr.EngineError{Op: op, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &apierr.EngineError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return data, nil
}

// requestID carries the inbound request ID to the engine, minting one for
// calls that did not start from a request.
func requestID(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
