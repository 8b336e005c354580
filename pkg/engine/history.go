package engine

import (
	"context"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/transport"
)

// historyEntry is one cached session history. Entries are replaced as a
// unit, so a reader never observes a partially updated message list.
type historyEntry struct {
	messages  []api.Message
	fetchedAt time.Time
}

// HistoryCache is a short-lived, per-session cache of message histories.
// It avoids a second storage read between the history load at the start of
// a turn and the turn's completion. Invalidate is called once per completed
// turn so the next turn observes the newly appended messages.
//
// The cache is eventually consistent: a read racing an invalidation may
// return the stale copy, which callers tolerate. Torn reads cannot happen.
type HistoryCache struct {
	mu      sync.RWMutex
	store   transport.ChatStore
	ttl     time.Duration
	entries map[string]historyEntry

	now func() time.Time // injectable clock for tests
}

// NewHistoryCache creates a cache reading through to the given store.
func NewHistoryCache(store transport.ChatStore, ttl time.Duration) *HistoryCache {
	return &HistoryCache{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]historyEntry),
		now:     time.Now,
	}
}

// Load returns the session's messages, from cache when fresh, otherwise
// reading through to storage. The first message of a session is simply a
// miss that loads an empty history.
func (h *HistoryCache) Load(ctx context.Context, sessionID, userID string) ([]api.Message, error) {
	h.mu.RLock()
	entry, ok := h.entries[sessionID]
	h.mu.RUnlock()

	if ok && h.now().Sub(entry.fetchedAt) < h.ttl {
		return entry.messages, nil
	}

	messages, err := h.store.LoadHistory(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.entries[sessionID] = historyEntry{messages: messages, fetchedAt: h.now()}
	h.mu.Unlock()

	return messages, nil
}

// Invalidate drops the cached history for a session. Called once per
// completed turn, after the assistant message is persisted.
func (h *HistoryCache) Invalidate(sessionID string) {
	h.mu.Lock()
	delete(h.entries, sessionID)
	h.mu.Unlock()
}
