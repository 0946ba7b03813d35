package domain

import "time"

// Turn is a single persisted conversation turn owned by one user.
type Turn struct {
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// AsChatMessage converts a stored turn into prompt context.
func (t Turn) AsChatMessage() ChatMessage {
	return ChatMessage{Role: t.Role, Content: t.Content}
}

// OutcomeRecord reports how one message event was handled.
type OutcomeRecord struct {
	OK     bool   `json:"ok"`
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Error  string `json:"error,omitempty"`
}
