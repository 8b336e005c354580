package api

import (
	"time"

	"github.com/google/uuid"
)

// Message constructors. These are pure: they stamp an identifier and a
// timestamp but never touch the network or storage. Persistence is the
// caller's decision.

// NewUserMessage builds the user-authored message that opens a turn.
func NewUserMessage(sessionID, userID, content string, isFirst bool) Message {
	return Message{
		MessageID:      uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		Role:           RoleUser,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		IsFirstMessage: isFirst,
	}
}

// NewAssistantMessage builds an assistant message shell. Content may be
// empty while streaming; the transcoder fills it in as tokens arrive.
func NewAssistantMessage(sessionID, userID string) Message {
	return Message{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorMessage builds a role="error" message suitable for direct
// transmission to the client. The caller decides whether to persist it.
func NewErrorMessage(sessionID, userID, content string) Message {
	return Message{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleError,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}
