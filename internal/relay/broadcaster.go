package relay

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/crypto"
	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/models"
)

type subscribeRequest struct {
	lastSeq int64
	reply   chan *Subscriber
}

// broadcaster is the actor for one session. Only its run goroutine touches
// the buffer and the subscriber set. The mailbox is unbuffered: a Publish
// that returned has been applied, and none can land in a stopped actor.
type broadcaster struct {
	sessionID string
	hub       *Hub

	buffer *Buffer
	subs   map[string]*Subscriber

	publish     chan models.RealtimeEvent
	subscribe   chan subscribeRequest
	unsubscribe chan *Subscriber
	stop        chan struct{}
	done        chan struct{}

	queueSize    int
	idleAfter    time.Duration
	reapInterval time.Duration
	logger       zerolog.Logger
}

func newBroadcaster(h *Hub, sessionID string) *broadcaster {
	return &broadcaster{
		sessionID:    sessionID,
		hub:          h,
		buffer:       NewBuffer(h.cfg.BufferSize, h.cfg.BufferTTL),
		subs:         make(map[string]*Subscriber),
		publish:      make(chan models.RealtimeEvent),
		subscribe:    make(chan subscribeRequest),
		unsubscribe:  make(chan *Subscriber),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		queueSize:    h.cfg.QueueSize,
		idleAfter:    h.cfg.BufferTTL,
		reapInterval: h.cfg.ReapInterval,
		logger:       h.logger.With().Str("session_id", sessionID).Logger(),
	}
}

func (b *broadcaster) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.reapInterval)
	defer ticker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case evt := <-b.publish:
			lastActivity = time.Now()
			b.deliver(evt)

		case req := <-b.subscribe:
			lastActivity = time.Now()
			req.reply <- b.add(req.lastSeq)

		case sub := <-b.unsubscribe:
			b.remove(sub, nil)

		case <-ticker.C:
			b.buffer.Prune()
			if len(b.subs) == 0 && time.Since(lastActivity) >= b.idleAfter {
				if b.hub.release(b) {
					b.logger.Debug().Msg("broadcaster idle, stopping")
					return
				}
			}

		case <-b.stop:
			for _, sub := range b.subs {
				b.remove(sub, ErrRelayClosed)
			}
			return
		}
	}
}

func (b *broadcaster) deliver(evt models.RealtimeEvent) {
	if !b.buffer.Append(evt) {
		metrics.RelayEventsDuplicate.Inc()
		return
	}
	metrics.RelayEventsPublished.Inc()

	for _, sub := range b.subs {
		if !sub.offer(evt) {
			metrics.RelaySlowConsumers.Inc()
			b.logger.Warn().Str("subscriber_id", sub.ID).Msg("dropping slow subscriber")
			b.remove(sub, ErrSlowConsumer)
		}
	}
}

// add replays the buffer into a new subscriber and then joins it to the
// live set. Both happen inside the actor, so no event falls between them.
func (b *broadcaster) add(lastSeq int64) *Subscriber {
	replay := b.buffer.Since(lastSeq)

	queue := b.queueSize
	if len(replay) >= queue {
		queue = len(replay) + b.queueSize
	}

	sub := newSubscriber(crypto.NewULID(), b.sessionID, lastSeq, queue)
	sub.unsubscribe = b.hub.unsubscribe
	for _, evt := range replay {
		sub.offer(evt)
	}

	b.subs[sub.ID] = sub
	metrics.RelaySubscribers.Inc()
	b.logger.Debug().
		Str("subscriber_id", sub.ID).
		Int64("last_seq", lastSeq).
		Int("replayed", len(replay)).
		Msg("subscriber joined")
	return sub
}

func (b *broadcaster) remove(sub *Subscriber, reason error) {
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	metrics.RelaySubscribers.Dec()
	sub.stop(reason)
}
