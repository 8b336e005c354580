// Package memory provides an in-memory implementation of transport.ChatStore
// for testing and lightweight deployments. Sessions are stored in memory and
// lost when the process restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/storage"
	"github.com/parley-chat/parley/pkg/transport"
)

// session holds one conversation and its ownership metadata.
type session struct {
	userID    string
	createdAt time.Time
	messages  []api.Message
}

// messageRef locates a message inside its session.
type messageRef struct {
	sessionID string
	index     int
}

// Store is an in-memory ChatStore.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byID     map[string]messageRef // message ID -> location
}

// Ensure Store implements transport.ChatStore at compile time.
var _ transport.ChatStore = (*Store)(nil)

// New creates a new empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session),
		byID:     make(map[string]messageRef),
	}
}

// IsFirstMessage reports whether the session has no messages for this user.
func (s *Store) IsFirstMessage(ctx context.Context, sessionID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.userID != userID {
		return true, nil
	}
	return len(sess.messages) == 0, nil
}

// LoadHistory returns the session's messages oldest first. Unknown sessions
// yield an empty history. The returned slice is a copy: callers may not
// observe later writes through it.
func (s *Store) LoadHistory(ctx context.Context, sessionID, userID string) ([]api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.userID != userID {
		return nil, nil
	}
	out := make([]api.Message, len(sess.messages))
	copy(out, sess.messages)
	return out, nil
}

// PersistMessage appends a message to its session, creating the session
// on first write.
func (s *Store) PersistMessage(ctx context.Context, msg api.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[msg.MessageID]; exists {
		return storage.ErrConflict
	}

	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		sess = &session{userID: msg.UserID, createdAt: msg.Timestamp}
		s.sessions[msg.SessionID] = sess
	}
	if sess.userID != msg.UserID {
		return storage.ErrNotFound
	}

	s.byID[msg.MessageID] = messageRef{sessionID: msg.SessionID, index: len(sess.messages)}
	sess.messages = append(sess.messages, msg)
	return nil
}

// ReplaceMessage overwrites the stored message with the same MessageID,
// keeping its position in the session.
func (s *Store) ReplaceMessage(ctx context.Context, msg api.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.byID[msg.MessageID]
	if !ok {
		return storage.ErrNotFound
	}
	sess := s.sessions[ref.sessionID]
	if sess.userID != msg.UserID {
		return storage.ErrNotFound
	}
	sess.messages[ref.index] = msg
	return nil
}

// UpdateRating sets the rating on a message owned by userID. Last write wins.
func (s *Store) UpdateRating(ctx context.Context, messageID, userID string, rating api.Rating) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.byID[messageID]
	if !ok {
		return false, nil
	}
	sess := s.sessions[ref.sessionID]
	if sess.userID != userID {
		return false, nil
	}
	sess.messages[ref.index].Rating = rating
	return true, nil
}

// ListSessions returns summaries of the user's sessions, most recently
// created first. Titles come from each session's first user message.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]api.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.SessionSummary
	for id, sess := range s.sessions {
		if sess.userID != userID {
			continue
		}
		out = append(out, api.SessionSummary{
			SessionID:    id,
			Title:        sessionTitle(sess.messages),
			CreatedAt:    sess.createdAt,
			MessageCount: len(sess.messages),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GetSession returns a session with a copy of its message list.
func (s *Store) GetSession(ctx context.Context, sessionID, userID string) (*api.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.userID != userID {
		return nil, storage.ErrNotFound
	}
	msgs := make([]api.Message, len(sess.messages))
	copy(msgs, sess.messages)
	return &api.ChatSession{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: sess.createdAt,
		Messages:  msgs,
	}, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// sessionTitle derives a list title from the first user message.
func sessionTitle(messages []api.Message) string {
	for _, m := range messages {
		if m.Role == api.RoleUser {
			return storage.TruncateTitle(m.Content)
		}
	}
	return ""
}
