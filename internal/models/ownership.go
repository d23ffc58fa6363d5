package models

import "time"

// OwnershipRecord maps a user to a sandbox session minted by the engine.
type OwnershipRecord struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}
