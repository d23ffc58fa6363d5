package leasehold

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// DefaultBackoff is the wait between reconnection attempts.
	DefaultBackoff = 2 * time.Second

	framePing = "ping"
	framePong = "pong"

	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

// Event is an execution event relayed from the sandbox engine. Data is
// delivered exactly as the engine produced it.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// State is the connection state of a Stream.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenFunc returns a realtime token for the stream's session.
type TokenFunc func(ctx context.Context) (string, error)

// StreamConfig configures a Stream.
type StreamConfig struct {
	// URL is the realtime endpoint, e.g. wss://api.example.com/realtime.
	URL       string
	SessionID string
	Token     TokenFunc

	// LastSeq resumes after this sequence number.
	LastSeq int64

	// Backoff is the wait before reconnecting. When MaxBackoff exceeds it
	// the wait doubles after each failed attempt up to MaxBackoff, and
	// resets once a connection opens.
	Backoff    time.Duration
	MaxBackoff time.Duration

	HTTPClient *http.Client

	// OnState and OnDisconnect are optional observers, called from the
	// goroutine running Run.
	OnState      func(State)
	OnDisconnect func(error)
}

// Stream follows one session's realtime events across disconnects,
// resuming from the last sequence it delivered.
type Stream struct {
	cfg     StreamConfig
	state   atomic.Int32
	lastSeq atomic.Int64
}

// NewStream creates a stream. It does not connect until Run.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	s := &Stream{cfg: cfg}
	s.lastSeq.Store(cfg.LastSeq)
	s.state.Store(int32(StateClosed))
	return s
}

// State returns the current connection state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// LastSeq returns the sequence number of the last delivered event.
func (s *Stream) LastSeq() int64 {
	return s.lastSeq.Load()
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

// Run connects and calls handle for every new event, in sequence order and
// at most once per sequence number. It reconnects after any disconnect and
// returns when ctx is done, or when the token source fails permanently.
func (s *Stream) Run(ctx context.Context, handle func(Event)) error {
	delay := s.cfg.Backoff
	for {
		s.setState(StateConnecting)
		opened, err := s.connect(ctx, handle)
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return ctx.Err()
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			s.setState(StateClosed)
			return err
		}
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(err)
		}
		if opened {
			delay = s.cfg.Backoff
		}

		s.setState(StateBackoff)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateClosed)
			return ctx.Err()
		case <-timer.C:
		}
		delay = s.nextBackoff(delay)
	}
}

func (s *Stream) nextBackoff(d time.Duration) time.Duration {
	if s.cfg.MaxBackoff <= s.cfg.Backoff {
		return s.cfg.Backoff
	}
	d *= 2
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

// connect runs one connection until it fails. opened reports whether the
// websocket handshake succeeded.
func (s *Stream) connect(ctx context.Context, handle func(Event)) (opened bool, err error) {
	token, err := s.cfg.Token(ctx)
	if err != nil {
		return false, err
	}

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return false, err
	}
	q := u.Query()
	q.Set("sessionId", s.cfg.SessionID)
	q.Set("token", token)
	q.Set("lastSeq", strconv.FormatInt(s.lastSeq.Load(), 10))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: s.cfg.HTTPClient})
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)
	s.setState(StateOpen)

	for {
		var evt Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			return true, err
		}

		// Keepalives carry no sequence number.
		if evt.Type == framePing && evt.Seq == 0 {
			if err := s.pong(ctx, conn); err != nil {
				return true, err
			}
			continue
		}

		if evt.Seq <= s.lastSeq.Load() {
			continue
		}
		s.lastSeq.Store(evt.Seq)
		handle(evt)
	}
}

func (s *Stream) pong(ctx context.Context, conn *websocket.Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, map[string]string{"type": framePong})
}
