package models

import "encoding/json"

// RealtimeEvent is an execution event produced by the engine. Seq increases
// monotonically per session. Data is relayed verbatim.
type RealtimeEvent struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix ms
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
}
