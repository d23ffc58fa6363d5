// Package relay fans ordered engine events out to connected clients. Each
// session gets a broadcaster goroutine that owns a short replay buffer and
// the set of subscribers; reconnecting clients resume from the last
// sequence number they saw.
package relay

import (
	"time"

	"github.com/eldtechnologies/leasehold/internal/models"
)

// DefaultBufferSize is the number of events retained per session.
const DefaultBufferSize = 512

// DefaultBufferTTL is how long an event stays replayable.
const DefaultBufferTTL = 5 * time.Minute

type bufferedEvent struct {
	event      models.RealtimeEvent
	receivedAt time.Time
}

// Buffer is a bounded, seq-ordered replay window for one session. Events
// leave the window when it is full or when they are older than the TTL.
//
// Buffer is not safe for concurrent use; a broadcaster owns it.
type Buffer struct {
	entries []bufferedEvent
	size    int
	ttl     time.Duration
	lastSeq int64
	now     func() time.Time
}

// NewBuffer creates a buffer holding at most size events for at most ttl.
func NewBuffer(size int, ttl time.Duration) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	return &Buffer{
		entries: make([]bufferedEvent, 0, size),
		size:    size,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Append adds evt if its seq is newer than every event seen so far. It
// reports false for duplicates and stale events, which are discarded.
func (b *Buffer) Append(evt models.RealtimeEvent) bool {
	if evt.Seq <= b.lastSeq {
		return false
	}
	b.lastSeq = evt.Seq

	now := b.now()
	b.prune(now)
	if len(b.entries) == b.size {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, bufferedEvent{event: evt, receivedAt: now})
	return true
}

// Since returns the retained events with seq > lastSeq in ascending order.
func (b *Buffer) Since(lastSeq int64) []models.RealtimeEvent {
	b.prune(b.now())

	// Entries are sorted by seq; find the first one past lastSeq.
	start := len(b.entries)
	for i, e := range b.entries {
		if e.event.Seq > lastSeq {
			start = i
			break
		}
	}

	out := make([]models.RealtimeEvent, 0, len(b.entries)-start)
	for _, e := range b.entries[start:] {
		out = append(out, e.event)
	}
	return out
}

// LastSeq returns the highest seq ever appended, even if it has aged out.
func (b *Buffer) LastSeq() int64 {
	return b.lastSeq
}

// Len returns the number of retained events.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Prune drops expired events.
func (b *Buffer) Prune() {
	b.prune(b.now())
}

func (b *Buffer) prune(now time.Time) {
	cutoff := now.Add(-b.ttl)
	drop := 0
	for drop < len(b.entries) && b.entries[drop].receivedAt.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	n := copy(b.entries, b.entries[drop:])
	b.entries = b.entries[:n]
}
