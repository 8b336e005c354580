package transport

import (
	"context"

	"github.com/parley-chat/parley/pkg/api"
)

// Turn describes one client-initiated chat exchange: either a new message
// or a regeneration of an existing assistant message. Exactly one of Chat
// and Regenerate is set.
type Turn struct {
	UserID     string
	Chat       *api.ChatRequest
	Regenerate *api.RegenerateRequest
}

// SessionID returns the session the turn belongs to.
func (t *Turn) SessionID() string {
	if t.Chat != nil {
		return t.Chat.SessionID
	}
	if t.Regenerate != nil {
		return t.Regenerate.SessionID
	}
	return ""
}

// IsRegeneration reports whether the turn replays an existing message.
func (t *Turn) IsRegeneration() bool {
	return t.Regenerate != nil
}

// TurnRunner drives a single chat turn from request to terminal event.
// The implementation writes the client-facing event sequence (growing
// assistant messages, then exactly one done event) to the EventWriter.
type TurnRunner interface {
	RunTurn(ctx context.Context, turn *Turn, w EventWriter) error
}

// TurnRunnerFunc is an adapter that allows using an ordinary function
// as a TurnRunner.
type TurnRunnerFunc func(ctx context.Context, turn *Turn, w EventWriter) error

// RunTurn calls f(ctx, turn, w).
func (f TurnRunnerFunc) RunTurn(ctx context.Context, turn *Turn, w EventWriter) error {
	return f(ctx, turn, w)
}

// EventWriter abstracts the client-facing event stream for one turn.
// The transport layer creates an EventWriter per request; the engine calls
// WriteMessage for each content event and WriteDone exactly once to
// terminate the stream. WriteMessage after WriteDone is an error.
type EventWriter interface {
	// WriteMessage sends one content event carrying the message so far.
	WriteMessage(ctx context.Context, msg api.Message) error

	// WriteDone sends the terminal event. Subsequent writes fail.
	WriteDone(ctx context.Context) error

	// Flush ensures buffered data is sent to the client. Returns an error
	// if the client has disconnected.
	Flush() error
}

// ChatStore handles persistence of sessions and messages. Implementations
// scope every operation by the owning user: a session or message belonging
// to another user behaves as if it does not exist.
type ChatStore interface {
	// IsFirstMessage reports whether the session has no messages yet for
	// this user (a session is created implicitly by its first message).
	IsFirstMessage(ctx context.Context, sessionID, userID string) (bool, error)

	// LoadHistory returns the session's messages ordered oldest first.
	// An unknown session yields an empty history, not an error.
	LoadHistory(ctx context.Context, sessionID, userID string) ([]api.Message, error)

	// PersistMessage appends a message to its session, creating the
	// session on first write.
	PersistMessage(ctx context.Context, msg api.Message) error

	// ReplaceMessage overwrites the stored message with the same
	// MessageID in place, keeping its position in the session.
	// Returns storage.ErrNotFound if no such message exists.
	ReplaceMessage(ctx context.Context, msg api.Message) error

	// UpdateRating sets the rating on a message owned by userID.
	// Re-rating is idempotent: last write wins. Returns false if the
	// message is not found or not owned by the user.
	UpdateRating(ctx context.Context, messageID, userID string, rating api.Rating) (bool, error)

	// ListSessions returns summaries of the user's sessions, most
	// recently created first.
	ListSessions(ctx context.Context, userID string) ([]api.SessionSummary, error)

	// GetSession returns a session with its full message list.
	// Returns storage.ErrNotFound if the session does not exist for
	// this user.
	GetSession(ctx context.Context, sessionID, userID string) (*api.ChatSession, error)

	// HealthCheck verifies the store connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases database connections and resources.
	Close() error
}
