package models

import "time"

// Session represents one conversation thread. The adapter only reads the ID
// and Kind; everything else is owned by the surrounding gateway.
type Session struct {
	ID        string         `json:"id"`
	Kind      SessionKind    `json:"kind"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionKind selects per-kind history limits (direct chats keep more turns
// than group threads).
type SessionKind string

const (
	SessionDirect SessionKind = "direct"
	SessionGroup  SessionKind = "group"
)
