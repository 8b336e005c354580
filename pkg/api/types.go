package api

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Rating is the user's verdict on an assistant message.
type Rating string

const (
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
	RatingNone Rating = ""
)

// ValidRating reports whether r is a value accepted by the rating endpoint.
func ValidRating(r Rating) bool {
	return r == RatingUp || r == RatingDown
}

// TurnMetrics carries timing data gathered while a turn was produced.
// TimeToFirstToken is only set for turns that streamed at least one token.
type TurnMetrics struct {
	TimeToFirstToken float64 `json:"time_to_first_token,omitempty"` // seconds
	TotalTime        float64 `json:"total_time,omitempty"`          // seconds
}

// Message is a single chat message. Once persisted a message is immutable
// except for Rating, which the owning user may update through the rating
// endpoint (last write wins).
type Message struct {
	MessageID      string          `json:"message_id"`
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	Rating         Rating          `json:"rating,omitempty"`
	Trace          json.RawMessage `json:"trace,omitempty"`
	Metrics        *TurnMetrics    `json:"metrics,omitempty"`
	IsFirstMessage bool            `json:"is_first_message,omitempty"`
}

// ChatSession is a single conversation owned by one user. Messages are
// ordered oldest first and, from the orchestrator's point of view,
// append-only; regeneration replaces content in place.
type ChatSession struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// SessionSummary is the list-view projection of a session. Title is derived
// from the first user message of the session.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// SessionList is the payload of the session listing endpoint.
type SessionList struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ChatRequest is the body of a new-message turn.
type ChatRequest struct {
	SessionID      string `json:"session_id"`
	Content        string `json:"content"`
	IncludeHistory bool   `json:"include_history"`
}

// RegenerateRequest asks for a fresh completion of an existing assistant
// message. The history sent downstream is truncated to everything strictly
// before MessageID.
type RegenerateRequest struct {
	SessionID      string `json:"session_id"`
	MessageID      string `json:"message_id"`
	IncludeHistory bool   `json:"include_history"`
}

// ErrorReport is a client-reported failure to be recorded in the session.
type ErrorReport struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}
