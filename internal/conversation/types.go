package conversation

import "time"

// Conversation maps a user to one engine thread plus the metadata applied to
// every turn sent on it. The thread id is an opaque token owned by the
// engine's history store; it is globally unique and never reused.
type Conversation struct {
	ID           string
	UserID       string
	ThreadID     string
	Title        string
	Model        string
	SystemPrompt string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
