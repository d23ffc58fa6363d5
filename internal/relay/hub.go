package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/models"
)

// DefaultQueueSize is the per-subscriber delivery queue length.
const DefaultQueueSize = 256

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, evt models.RealtimeEvent) error
}

// HubConfig sizes the per-session broadcasters.
type HubConfig struct {
	BufferSize   int
	BufferTTL    time.Duration
	QueueSize    int
	ReapInterval time.Duration
}

// Hub routes events and subscriptions to per-session broadcasters, starting
// them on demand.
type Hub struct {
	cfg    HubConfig
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*broadcaster
	closed   bool
	wg       sync.WaitGroup
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = DefaultBufferTTL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger.With().Str("component", "relay").Logger(),
		sessions: make(map[string]*broadcaster),
	}
}

// get returns the session's broadcaster, starting one if needed.
func (h *Hub) get(sessionID string) (*broadcaster, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrRelayClosed
	}
	if b, ok := h.sessions[sessionID]; ok {
		return b, nil
	}

	b := newBroadcaster(h, sessionID)
	h.sessions[sessionID] = b
	metrics.RelaySessions.Inc()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		b.run()
	}()
	return b, nil
}

// release removes an idle broadcaster. It reports false if the broadcaster
// is no longer the registered one or the hub is shutting down.
func (h *Hub) release(b *broadcaster) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.sessions[b.sessionID] != b {
		return false
	}
	delete(h.sessions, b.sessionID)
	metrics.RelaySessions.Dec()
	return true
}

// Publish hands evt to its session's broadcaster. Events with a seq that
// was already seen are dropped there.
func (h *Hub) Publish(ctx context.Context, evt models.RealtimeEvent) error {
	for {
		b, err := h.get(evt.SessionID)
		if err != nil {
			return err
		}
		select {
		case b.publish <- evt:
			return nil
		case <-b.done:
			// Stopped while idle; the next get starts a fresh one.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe attaches a subscriber to sessionID. Buffered events with
// seq > lastSeq are queued before any live event.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, lastSeq int64) (*Subscriber, error) {
	for {
		b, err := h.get(sessionID)
		if err != nil {
			return nil, err
		}
		req := subscribeRequest{lastSeq: lastSeq, reply: make(chan *Subscriber, 1)}
		select {
		case b.subscribe <- req:
			select {
			case sub := <-req.reply:
				return sub, nil
			case <-b.done:
				return nil, ErrRelayClosed
			}
		case <-b.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	b, ok := h.sessions[sub.SessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case b.unsubscribe <- sub:
	case <-b.done:
	}
}

// Sessions returns the number of live broadcasters.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops every broadcaster and ends all subscriptions with
// ErrRelayClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, b := range h.sessions {
		close(b.stop)
		delete(h.sessions, id)
		metrics.RelaySessions.Dec()
	}
	h.mu.Unlock()

	h.wg.Wait()
}
