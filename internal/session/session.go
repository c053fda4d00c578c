package session

import "time"

// State is the lifecycle state of a conversation.
type State int

const (
	StateIdle             State = iota
	StateAwaitingResponse       // The agent is running
	StateAwaitingInput          // The last reply asked the user a question
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateAwaitingInput:
		return "awaiting_input"
	default:
		return "unknown"
	}
}

// Session maps a chat conversation to its agent continuity metadata.
// Sessions are values; the Store hands out copies and replaces entries
// wholesale on update.
type Session struct {
	ConversationID string
	ThreadID       string
	ResumeToken    string // Empty until a run returns one, or after a clear
	ProjectPath    string
	State          State
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
