package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

// Client frame types.
const (
	FrameConnect = "connect"
	FramePong    = "pong"
	FramePing    = "ping"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultPongTimeout  = 10 * time.Second

	connectTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// ClientFrame is a control message sent by the client.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Token     string `json:"token,omitempty"`
	LastSeq   int64  `json:"lastSeq,omitempty"`
}

// PingFrame is the server keepalive.
type PingFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// Subscriptions is the subscribe side of the hub.
type Subscriptions interface {
	Subscribe(ctx context.Context, sessionID string, lastSeq int64) (*Subscriber, error)
}

// OwnershipChecker confirms the token subject still owns the session.
type OwnershipChecker interface {
	CheckOwnership(ctx context.Context, userID, sessionID string) (bool, error)
}

// ServerConfig configures the websocket endpoint.
type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	OriginPatterns []string
}

// Server is the websocket endpoint clients follow sessions through.
type Server struct {
	subs      Subscriptions
	tokens    *TokenIssuer
	ownership OwnershipChecker
	cfg       ServerConfig
	logger    zerolog.Logger
}

// NewServer creates the websocket endpoint. ownership may be nil.
func NewServer(subs Subscriptions, tokens *TokenIssuer, ownership OwnershipChecker, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	return &Server{
		subs:      subs,
		tokens:    tokens,
		ownership: ownership,
		cfg:       cfg,
		logger:    logger.With().Str("component", "relay_ws").Logger(),
	}
}

// ServeHTTP upgrades the request and streams the session's events.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.OriginPatterns) > 0 {
		opts.OriginPatterns = s.cfg.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	params, err := s.connectParams(ctx, conn, r)
	if err != nil {
		s.logger.Debug().Err(err).Msg("missing connect parameters")
		conn.Close(websocket.StatusPolicyViolation, "connect required")
		return
	}

	claims, err := s.tokens.Verify(params.Token, params.SessionID)
	if err != nil {
		s.logger.Info().Err(err).Str("session_id", params.SessionID).Msg("realtime token rejected")
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	if s.ownership != nil {
		owned, err := s.ownership.CheckOwnership(ctx, claims.Subject, claims.SessionID)
		if err != nil {
			s.logger.Error().Err(err).Msg("ownership check failed")
			conn.Close(websocket.StatusInternalError, "internal error")
			return
		}
		if !owned {
			conn.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
	}

	sub, err := s.subs.Subscribe(ctx, params.SessionID, params.LastSeq)
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, "relay unavailable")
		return
	}
	defer sub.Close()

	logger := s.logger.With().
		Str("session_id", params.SessionID).
		Str("user_id", claims.Subject).
		Str("subscriber_id", sub.ID).
		Logger()
	logger.Debug().Int64("last_seq", params.LastSeq).Msg("realtime client connected")

	status, reason := s.stream(ctx, conn, sub)
	logger.Debug().Int("status", int(status)).Str("reason", reason).Msg("realtime client disconnected")
	conn.Close(status, reason)
}

// connectParams takes the connect parameters from the query string, or
// from a first connect frame when the query does not carry them.
func (s *Server) connectParams(ctx context.Context, conn *websocket.Conn, r *http.Request) (ClientFrame, error) {
	q := r.URL.Query()
	params := ClientFrame{
		Type:      FrameConnect,
		SessionID: q.Get("sessionId"),
		Token:     q.Get("token"),
	}
	if raw := q.Get("lastSeq"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			return params, errors.New("invalid lastSeq")
		}
		params.LastSeq = seq
	}
	if params.SessionID != "" && params.Token != "" {
		return params, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var frame ClientFrame
	if err := wsjson.Read(readCtx, conn, &frame); err != nil {
		return params, err
	}
	if frame.Type != FrameConnect || frame.SessionID == "" || frame.Token == "" || frame.LastSeq < 0 {
		return params, errors.New("first frame must be connect")
	}
	return frame, nil
}

// stream runs until the client goes away, misses a pong, sends an unknown
// frame, or the relay drops the subscriber. It returns the close status.
//
// The reader goroutine lives until ctx ends or the connection closes; the
// caller closes the connection with the returned status before that.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub *Subscriber) (websocket.StatusCode, string) {
	pongs := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() {
		for {
			var frame ClientFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				readErr <- err
				return
			}
			if frame.Type != FramePong {
				readErr <- errUnexpectedFrame
				return
			}
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	// Armed after each ping, disarmed by the matching pong.
	var pongDeadline <-chan time.Time
	var pongTimer *time.Timer
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return websocket.StatusGoingAway, "closed"

		case err := <-readErr:
			if errors.Is(err, errUnexpectedFrame) {
				return websocket.StatusPolicyViolation, "unexpected frame"
			}
			return websocket.StatusNormalClosure, "closed"

		case <-sub.Done():
			if errors.Is(sub.Err(), ErrSlowConsumer) {
				return websocket.StatusTryAgainLater, "slow consumer"
			}
			return websocket.StatusGoingAway, "relay closed"

		case evt := <-sub.Events():
			if err := s.write(ctx, conn, evt); err != nil {
				return websocket.StatusInternalError, "write failed"
			}

		case <-pingTicker.C:
			ping := PingFrame{Type: FramePing, SessionID: sub.SessionID, Timestamp: time.Now().UnixMilli()}
			if err := s.write(ctx, conn, ping); err != nil {
				return websocket.StatusInternalError, "write failed"
			}
			if pongTimer == nil {
				pongTimer = time.NewTimer(s.cfg.PongTimeout)
				pongDeadline = pongTimer.C
			}

		case <-pongs:
			if pongTimer != nil {
				pongTimer.Stop()
				pongTimer = nil
				pongDeadline = nil
			}

		case <-pongDeadline:
			return websocket.StatusPolicyViolation, "pong timeout"
		}
	}
}

var errUnexpectedFrame = errors.New("unexpected client frame")

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}
