package domain

import "time"

// ChatMessage is one persisted transcript turn for a project.
// Only the role and text survive persistence; tool calls are live-session
// state and are not stored.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"-"`
}

// Message roles stored with each transcript turn.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)
