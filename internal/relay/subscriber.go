package relay

import (
	"errors"
	"sync"

	"github.com/eldtechnologies/leasehold/internal/models"
)

var (
	// ErrSlowConsumer is the drop reason for a subscriber whose queue filled.
	ErrSlowConsumer = errors.New("relay: subscriber queue full")
	// ErrRelayClosed is returned once the hub has shut down.
	ErrRelayClosed = errors.New("relay: closed")
)

// Subscriber receives one session's events in seq order. Read Events until
// Done closes, then check Err for the reason.
type Subscriber struct {
	ID        string
	SessionID string

	events chan models.RealtimeEvent
	done   chan struct{}

	// lastSeq is the highest seq queued so far. Only the owning
	// broadcaster touches it.
	lastSeq int64

	mu     sync.Mutex
	err    error
	closed bool

	unsubscribe func(*Subscriber)
	once        sync.Once
}

func newSubscriber(id, sessionID string, lastSeq int64, queue int) *Subscriber {
	return &Subscriber{
		ID:        id,
		SessionID: sessionID,
		lastSeq:   lastSeq,
		events:    make(chan models.RealtimeEvent, queue),
		done:      make(chan struct{}),
	}
}

// Events returns the delivery queue.
func (s *Subscriber) Events() <-chan models.RealtimeEvent {
	return s.events
}

// Done is closed when the relay stops delivering to this subscriber.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err returns why delivery stopped, or nil while active or after Close.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscriber from its session. Safe to call more than
// once and after the relay dropped it.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe(s)
		}
	})
}

// offer queues evt without blocking and reports whether it fit. Events at
// or below the subscriber's position are skipped and count as delivered.
func (s *Subscriber) offer(evt models.RealtimeEvent) bool {
	if evt.Seq <= s.lastSeq {
		return true
	}
	select {
	case s.events <- evt:
		s.lastSeq = evt.Seq
		return true
	default:
		return false
	}
}

// stop ends delivery with reason. Only the owning broadcaster calls it.
func (s *Subscriber) stop(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.done)
}
