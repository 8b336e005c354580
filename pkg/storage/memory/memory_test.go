package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/storage"
)

func TestIsFirstMessage(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.IsFirstMessage(ctx, "sess-1", "user-1")
	if err != nil {
		t.Fatalf("IsFirstMessage: %v", err)
	}
	if !first {
		t.Error("empty session should report first message")
	}

	if err := s.PersistMessage(ctx, api.NewUserMessage("sess-1", "user-1", "hi", true)); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}

	first, _ = s.IsFirstMessage(ctx, "sess-1", "user-1")
	if first {
		t.Error("populated session should not report first message")
	}
}

func TestPersistAndLoadHistoryOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	contents := []string{"one", "two", "three"}
	for _, c := range contents {
		if err := s.PersistMessage(ctx, api.NewUserMessage("sess-1", "user-1", c, false)); err != nil {
			t.Fatalf("PersistMessage(%q): %v", c, err)
		}
	}

	history, err := s.LoadHistory(ctx, "sess-1", "user-1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != len(contents) {
		t.Fatalf("history length = %d, want %d", len(history), len(contents))
	}
	for i, c := range contents {
		if history[i].Content != c {
			t.Errorf("history[%d].Content = %q, want %q", i, history[i].Content, c)
		}
	}
}

func TestPersistDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()

	msg := api.NewUserMessage("sess-1", "user-1", "hi", true)
	if err := s.PersistMessage(ctx, msg); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}
	if err := s.PersistMessage(ctx, msg); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate PersistMessage error = %v, want ErrConflict", err)
	}
}

func TestLoadHistoryWrongUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.PersistMessage(ctx, api.NewUserMessage("sess-1", "user-1", "secret", true))

	history, err := s.LoadHistory(ctx, "sess-1", "user-2")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 0 {
		t.Error("another user's session should look empty")
	}
}

func TestReplaceMessageKeepsPosition(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.PersistMessage(ctx, api.NewUserMessage("sess-1", "user-1", "q1", true))
	orig := api.NewAssistantMessage("sess-1", "user-1")
	orig.Content = "a1"
	s.PersistMessage(ctx, orig)
	s.PersistMessage(ctx, api.NewUserMessage("sess-1", "user-1", "q2", false))

	replacement := orig
	replacement.Content = "a1-regenerated"
	if err := s.ReplaceMessage(ctx, replacement); err != nil {
		t.Fatalf("ReplaceMessage: %v", err)
	}

	history, _ := s.LoadHistory(ctx, "sess-1", "user-1")
	if history[1].Content != "a1-regenerated" {
		t.Errorf("history[1].Content = %q, want regenerated content", history[1].Content)
	}
	if !history[1].Timestamp.Equal(orig.Timestamp) {
		t.Error("replacement should keep the original timestamp it carries")
	}
	if history[2].Content != "q2" {
		t.Error("messages after the replaced one should be untouched")
	}
}

func TestReplaceMessageNotFound(t *testing.T) {
	s := New()
	msg := api.NewAssistantMessage("sess-1", "user-1")
	if err := s.ReplaceMessage(context.Background(), msg); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ReplaceMessage error = %v, want ErrNotFound", err)
	}
}

func TestUpdateRating(t *testing.T) {
	s := New()
	ctx := context.Background()

	msg := api.NewAssistantMessage("sess-1", "user-1")
	msg.Content = "answer"
	s.PersistMessage(ctx, msg)

	ok, err := s.UpdateRating(ctx, msg.MessageID, "user-1", api.RatingUp)
	if err != nil || !ok {
		t.Fatalf("UpdateRating = (%v, %v), want (true, nil)", ok, err)
	}

	// Idempotent re-rate: last write wins.
	ok, _ = s.UpdateRating(ctx, msg.MessageID, "user-1", api.RatingDown)
	if !ok {
		t.Fatal("re-rating should succeed")
	}

	history, _ := s.LoadHistory(ctx, "sess-1", "user-1")
	if history[0].Rating != api.RatingDown {
		t.Errorf("Rating = %q, want %q", history[0].Rating, api.RatingDown)
	}

	// Not owned.
	ok, _ = s.UpdateRating(ctx, msg.MessageID, "user-2", api.RatingUp)
	if ok {
		t.Error("rating another user's message should fail")
	}

	// Unknown message.
	ok, _ = s.UpdateRating(ctx, "missing", "user-1", api.RatingUp)
	if ok {
		t.Error("rating an unknown message should fail")
	}
}

func TestListSessions(t *testing.T) {
	s := New()
	ctx := context.Background()

	older := api.NewUserMessage("sess-old", "user-1", "first question about Go", true)
	older.Timestamp = time.Now().UTC().Add(-time.Hour)
	s.PersistMessage(ctx, older)
	s.PersistMessage(ctx, api.NewUserMessage("sess-new", "user-1", "newer question", true))
	s.PersistMessage(ctx, api.NewUserMessage("sess-other", "user-2", "not mine", true))

	sessions, err := s.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].SessionID != "sess-new" {
		t.Errorf("sessions[0] = %q, want most recent first", sessions[0].SessionID)
	}
	if sessions[1].Title != "first question about Go" {
		t.Errorf("Title = %q", sessions[1].Title)
	}
}

func TestListSessionsTitleTruncatesOnRuneBoundary(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Long multibyte prompt: the derived title must stay valid UTF-8.
	prompt := strings.Repeat("a", 79) + strings.Repeat("é", 10)
	s.PersistMessage(ctx, api.NewUserMessage("sess-utf8", "user-1", prompt, true))

	sessions, err := s.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if !utf8.ValidString(sessions[0].Title) {
		t.Errorf("title is invalid UTF-8: %q", sessions[0].Title)
	}
	if want := strings.Repeat("a", 79) + "é"; sessions[0].Title != want {
		t.Errorf("title = %q, want %q", sessions[0].Title, want)
	}
}

func TestGetSession(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.PersistMessage(ctx, api.NewUserMessage("sess-1", "user-1", "hi", true))

	sess, err := s.GetSession(ctx, "sess-1", "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(sess.Messages) != 1 || sess.UserID != "user-1" {
		t.Errorf("unexpected session %+v", sess)
	}

	if _, err := s.GetSession(ctx, "sess-1", "user-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("foreign GetSession error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession(ctx, "missing", "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing GetSession error = %v, want ErrNotFound", err)
	}
}
