package relay

import (
	"testing"
	"time"

	"github.com/eldtechnologies/leasehold/internal/models"
)

func event(seq int64) models.RealtimeEvent {
	return models.RealtimeEvent{Seq: seq, Type: "output", SessionID: "s1", Timestamp: seq * 1000}
}

func seqs(events []models.RealtimeEvent) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBufferSinceReturnsNewerAscending(t *testing.T) {
	// Requirement: Since(lastSeq) yields exactly seq > lastSeq, ascending,
	// without gaps or duplicates.
	b := NewBuffer(10, time.Minute)
	for seq := int64(1); seq <= 6; seq++ {
		b.Append(event(seq))
	}

	tests := []struct {
		lastSeq int64
		want    []int64
	}{
		{0, []int64{1, 2, 3, 4, 5, 6}},
		{3, []int64{4, 5, 6}},
		{6, []int64{}},
		{99, []int64{}},
	}
	for _, tt := range tests {
		if got := seqs(b.Since(tt.lastSeq)); !equalSeqs(got, tt.want) {
			t.Errorf("Since(%d) = %v, want %v", tt.lastSeq, got, tt.want)
		}
	}
}

func TestBufferDropsDuplicates(t *testing.T) {
	// Requirement: delivering a seq twice is a no-op.
	b := NewBuffer(10, time.Minute)

	if !b.Append(event(1)) || !b.Append(event(2)) {
		t.Fatal("fresh events rejected")
	}
	if b.Append(event(2)) {
		t.Error("duplicate seq accepted")
	}
	if b.Append(event(1)) {
		t.Error("stale seq accepted")
	}
	if got := seqs(b.Since(0)); !equalSeqs(got, []int64{1, 2}) {
		t.Fatalf("Since(0) = %v", got)
	}
}

func TestBufferBoundedBySize(t *testing.T) {
	b := NewBuffer(3, time.Minute)
	for seq := int64(1); seq <= 5; seq++ {
		b.Append(event(seq))
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	if got := seqs(b.Since(0)); !equalSeqs(got, []int64{3, 4, 5}) {
		t.Fatalf("Since(0) = %v", got)
	}
	if b.LastSeq() != 5 {
		t.Errorf("LastSeq = %d", b.LastSeq())
	}
}

func TestBufferBoundedByAge(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBuffer(10, time.Minute)
	b.now = func() time.Time { return clock }

	b.Append(event(1))
	clock = clock.Add(45 * time.Second)
	b.Append(event(2))
	clock = clock.Add(30 * time.Second)

	if got := seqs(b.Since(0)); !equalSeqs(got, []int64{2}) {
		t.Fatalf("Since(0) = %v, want [2]", got)
	}

	// Aged-out seqs still count for dedupe.
	if b.Append(event(1)) {
		t.Error("expired seq accepted again")
	}
}
