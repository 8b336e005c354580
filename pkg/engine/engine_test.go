package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/endpoint"
	"github.com/parley-chat/parley/pkg/storage/memory"
	"github.com/parley-chat/parley/pkg/transport"
)

// fakeEndpoint scripts the serving endpoint's behavior for one test.
type fakeEndpoint struct {
	streamEvents []endpoint.StreamEvent
	streamErr    error

	completion  *endpoint.Completion
	completeErr error

	completeCalls []endpoint.CompleteOptions
	lastPayload   *endpoint.ChatRequest
}

func (f *fakeEndpoint) Name() string { return "test-endpoint" }

func (f *fakeEndpoint) Complete(ctx context.Context, req *endpoint.ChatRequest, opts endpoint.CompleteOptions) (*endpoint.Completion, error) {
	f.completeCalls = append(f.completeCalls, opts)
	f.lastPayload = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.completion, nil
}

func (f *fakeEndpoint) Stream(ctx context.Context, req *endpoint.ChatRequest) (<-chan endpoint.StreamEvent, error) {
	f.lastPayload = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan endpoint.StreamEvent, len(f.streamEvents))
	for _, ev := range f.streamEvents {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// fakeCaps serves fixed capabilities and records downgrades.
type fakeCaps struct {
	caps       endpoint.Capabilities
	downgrades int
}

func (f *fakeCaps) Query(ctx context.Context, name string) endpoint.Capabilities { return f.caps }
func (f *fakeCaps) Downgrade(name string) {
	f.downgrades++
	f.caps.SupportsStreaming = false
}

// captureWriter records the event sequence a turn produced.
type captureWriter struct {
	messages []api.Message
	done     int
}

func (c *captureWriter) WriteMessage(ctx context.Context, msg api.Message) error {
	if c.done > 0 {
		return errors.New("write after done")
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureWriter) WriteDone(ctx context.Context) error {
	c.done++
	return nil
}

func (c *captureWriter) Flush() error { return nil }

func newTestEngine(ep *fakeEndpoint, caps *fakeCaps, store transport.ChatStore) *Engine {
	return New(Config{}, ep, caps, store, nil)
}

func chatTurn(sessionID, content string) *transport.Turn {
	return &transport.Turn{
		UserID: "u1",
		Chat:   &api.ChatRequest{SessionID: sessionID, Content: content, IncludeHistory: true},
	}
}

// TestStreamingTurn covers the happy streaming path: tokens accumulate into
// growing snapshots, the stream terminates with exactly one done event, and
// both the user and assistant messages are persisted.
func TestStreamingTurn(t *testing.T) {
	ctx := context.Background()
	ep := &fakeEndpoint{
		streamEvents: []endpoint.StreamEvent{
			{Type: endpoint.EventToken, Token: "Hel"},
			{Type: endpoint.EventToken, Token: "lo"},
			{Type: endpoint.EventDone},
		},
	}
	caps := &fakeCaps{caps: endpoint.Capabilities{SupportsStreaming: true}}
	store := memory.New()
	eng := newTestEngine(ep, caps, store)

	w := &captureWriter{}
	if err := eng.RunTurn(ctx, chatTurn("s1", "hi"), w); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// Two token snapshots plus the final stamped message.
	if len(w.messages) != 3 {
		t.Fatalf("expected 3 content events, got %d", len(w.messages))
	}
	if w.messages[0].Content != "Hel" || w.messages[1].Content != "Hello" {
		t.Errorf("snapshots not cumulative: %q, %q", w.messages[0].Content, w.messages[1].Content)
	}
	final := w.messages[2]
	if final.Content != "Hello" || final.Role != api.RoleAssistant {
		t.Errorf("unexpected final message: %+v", final)
	}
	if final.Metrics == nil || final.Metrics.TimeToFirstToken <= 0 {
		t.Error("expected time-to-first-token metric on streamed turn")
	}
	if w.done != 1 {
		t.Errorf("expected exactly one done event, got %d", w.done)
	}

	history, err := store.LoadHistory(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected user+assistant persisted, got %d messages", len(history))
	}
	if history[0].Role != api.RoleUser || !history[0].IsFirstMessage {
		t.Errorf("unexpected user message: %+v", history[0])
	}
	if history[1].Content != "Hello" {
		t.Errorf("assistant content not persisted: %q", history[1].Content)
	}
}

// TestStreamFailureFallsBack covers the fallback path: a mid-stream error
// discards partial content, downgrades the endpoint, and re-submits the
// turn as a cache-busted non-streaming call.
func TestStreamFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	ep := &fakeEndpoint{
		streamEvents: []endpoint.StreamEvent{
			{Type: endpoint.EventToken, Token: "par"},
			{Type: endpoint.EventError, Err: api.NewEndpointError("read timeout")},
		},
		completion: &endpoint.Completion{Content: "full answer"},
	}
	caps := &fakeCaps{caps: endpoint.Capabilities{SupportsStreaming: true}}
	store := memory.New()
	eng := newTestEngine(ep, caps, store)

	w := &captureWriter{}
	if err := eng.RunTurn(ctx, chatTurn("s1", "hi"), w); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if caps.downgrades != 1 {
		t.Errorf("expected one capability downgrade, got %d", caps.downgrades)
	}
	if len(ep.completeCalls) != 1 || !ep.completeCalls[0].CacheBust {
		t.Fatalf("expected one cache-busted fallback call, got %+v", ep.completeCalls)
	}

	final := w.messages[len(w.messages)-1]
	if final.Content != "full answer" {
		t.Errorf("partial streamed content leaked into fallback result: %q", final.Content)
	}
	if final.Metrics != nil && final.Metrics.TimeToFirstToken != 0 {
		t.Error("fallback turn must not report a streaming first-token time")
	}
	if w.done != 1 {
		t.Errorf("expected exactly one done event, got %d", w.done)
	}
}

// TestRateLimitedTurn covers the rate-limit path: a 429 becomes a
// role=error message with the high-demand text, followed by done.
func TestRateLimitedTurn(t *testing.T) {
	ctx := context.Background()
	ep := &fakeEndpoint{
		completeErr: api.NewTooManyRequestsError(endpoint.HighDemandMessage),
	}
	caps := &fakeCaps{} // streaming unsupported
	store := memory.New()
	eng := newTestEngine(ep, caps, store)

	w := &captureWriter{}
	err := eng.RunTurn(ctx, chatTurn("s1", "hi"), w)
	if err == nil {
		t.Fatal("expected error returned for logging")
	}

	if len(w.messages) != 1 {
		t.Fatalf("expected single error message, got %d events", len(w.messages))
	}
	if w.messages[0].Role != api.RoleError {
		t.Errorf("expected role=error, got %s", w.messages[0].Role)
	}
	if !strings.Contains(w.messages[0].Content, "high demand") {
		t.Errorf("expected high-demand text, got %q", w.messages[0].Content)
	}
	if w.done != 1 {
		t.Errorf("expected done after error message, got %d", w.done)
	}
}

// TestGenericFailureMasksInternals verifies that an internal endpoint
// failure reaches the user as a generic message, not the raw error.
func TestGenericFailureMasksInternals(t *testing.T) {
	ctx := context.Background()
	ep := &fakeEndpoint{
		completeErr: api.NewEndpointError("upstream returned status 503: secret details"),
	}
	caps := &fakeCaps{}
	eng := newTestEngine(ep, caps, memory.New())

	w := &captureWriter{}
	if err := eng.RunTurn(ctx, chatTurn("s1", "hi"), w); err == nil {
		t.Fatal("expected error")
	}
	if got := w.messages[0].Content; got != genericErrorMessage {
		t.Errorf("internal error leaked to user: %q", got)
	}
}

// TestRegeneration verifies that regenerating an assistant message replays
// only the conversation before it and replaces the message in place,
// keeping its identity and timestamp.
func TestRegeneration(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	seed := func(role api.Role, content string) api.Message {
		var msg api.Message
		switch role {
		case api.RoleUser:
			msg = api.NewUserMessage("s1", "u1", content, content == "q1")
		default:
			msg = api.NewAssistantMessage("s1", "u1")
			msg.Content = content
		}
		if err := store.PersistMessage(ctx, msg); err != nil {
			t.Fatalf("seed %q: %v", content, err)
		}
		return msg
	}

	seed(api.RoleUser, "q1")
	seed(api.RoleAssistant, "a1")
	seed(api.RoleUser, "q2")
	target := seed(api.RoleAssistant, "a2")
	seed(api.RoleUser, "q3")

	ep := &fakeEndpoint{completion: &endpoint.Completion{Content: "a2 revised"}}
	caps := &fakeCaps{}
	eng := newTestEngine(ep, caps, store)

	turn := &transport.Turn{
		UserID: "u1",
		Regenerate: &api.RegenerateRequest{
			SessionID:      "s1",
			MessageID:      target.MessageID,
			IncludeHistory: true,
		},
	}
	w := &captureWriter{}
	if err := eng.RunTurn(ctx, turn, w); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// The downstream payload must stop at q2 and never include the
	// regenerated message or anything after it.
	got := ep.lastPayload.Messages
	want := []string{"q1", "a1", "q2"}
	if len(got) != len(want) {
		t.Fatalf("payload has %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i, content := range want {
		if got[i].Content != content {
			t.Errorf("payload[%d] = %q, want %q", i, got[i].Content, content)
		}
	}

	history, err := store.LoadHistory(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("regeneration changed history length: %d", len(history))
	}
	replaced := history[3]
	if replaced.Content != "a2 revised" {
		t.Errorf("message not replaced: %q", replaced.Content)
	}
	if replaced.MessageID != target.MessageID {
		t.Error("replacement changed the message ID")
	}
	if !replaced.Timestamp.Equal(target.Timestamp) {
		t.Error("replacement changed the original timestamp")
	}
}

// TestRegenerateUnknownMessage verifies the not-found path ends with an
// error message and done, not a hung stream.
func TestRegenerateUnknownMessage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.PersistMessage(ctx, api.NewUserMessage("s1", "u1", "q1", true)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	eng := newTestEngine(&fakeEndpoint{}, &fakeCaps{}, store)
	turn := &transport.Turn{
		UserID:     "u1",
		Regenerate: &api.RegenerateRequest{SessionID: "s1", MessageID: "missing"},
	}
	w := &captureWriter{}
	err := eng.RunTurn(ctx, turn, w)

	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeNotFound {
		t.Fatalf("expected not_found error, got %v", err)
	}
	if w.done != 1 || len(w.messages) != 1 || w.messages[0].Role != api.RoleError {
		t.Errorf("expected error message then done, got %d messages, %d done", len(w.messages), w.done)
	}
}

// TestHistoryExcludedWhenNotRequested verifies that include_history=false
// sends only the new prompt downstream.
func TestHistoryExcludedWhenNotRequested(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.PersistMessage(ctx, api.NewUserMessage("s1", "u1", "earlier", true)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ep := &fakeEndpoint{completion: &endpoint.Completion{Content: "ok"}}
	eng := newTestEngine(ep, &fakeCaps{}, store)

	turn := &transport.Turn{
		UserID: "u1",
		Chat:   &api.ChatRequest{SessionID: "s1", Content: "now"},
	}
	if err := eng.RunTurn(ctx, turn, &captureWriter{}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(ep.lastPayload.Messages) != 1 || ep.lastPayload.Messages[0].Content != "now" {
		t.Errorf("expected bare prompt payload, got %+v", ep.lastPayload.Messages)
	}
}

// TestErrorMessagesNeverForwarded verifies stored role=error messages are
// filtered out of the downstream payload.
func TestErrorMessagesNeverForwarded(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.PersistMessage(ctx, api.NewUserMessage("s1", "u1", "q1", true)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.PersistMessage(ctx, api.NewErrorMessage("s1", "u1", "it broke")); err != nil {
		t.Fatalf("seed error message: %v", err)
	}

	ep := &fakeEndpoint{completion: &endpoint.Completion{Content: "ok"}}
	eng := newTestEngine(ep, &fakeCaps{}, store)

	if err := eng.RunTurn(ctx, chatTurn("s1", "q2"), &captureWriter{}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	for _, m := range ep.lastPayload.Messages {
		if m.Role == string(api.RoleError) {
			t.Fatalf("error message forwarded downstream: %+v", m)
		}
	}
	if len(ep.lastPayload.Messages) != 2 {
		t.Errorf("expected q1 + q2 in payload, got %+v", ep.lastPayload.Messages)
	}
}

// TestTracePropagation verifies trace metadata is attached to the final
// message only when the endpoint supports it.
func TestTracePropagation(t *testing.T) {
	ctx := context.Background()
	trace := []byte(`{"spans":[]}`)

	ep := &fakeEndpoint{
		streamEvents: []endpoint.StreamEvent{
			{Type: endpoint.EventToken, Token: "hi"},
			{Type: endpoint.EventTrace, Trace: trace},
			{Type: endpoint.EventDone},
		},
	}
	caps := &fakeCaps{caps: endpoint.Capabilities{SupportsStreaming: true, SupportsTrace: true}}
	eng := newTestEngine(ep, caps, memory.New())

	w := &captureWriter{}
	if err := eng.RunTurn(ctx, chatTurn("s1", "hi"), w); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	final := w.messages[len(w.messages)-1]
	if string(final.Trace) != string(trace) {
		t.Errorf("trace not propagated: %s", final.Trace)
	}

	// The request must have asked for the trace.
	if ep.lastPayload.DatabricksOptions == nil || !ep.lastPayload.DatabricksOptions.ReturnTrace {
		t.Error("expected return_trace in downstream request")
	}
}

// TestClientDisconnectSuppressesErrorEvent verifies that a cancelled
// context surfaces as the context error with no attempt to write a
// farewell to a client that is gone.
func TestClientDisconnectSuppressesErrorEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ep := &fakeEndpoint{completeErr: context.Canceled}
	eng := newTestEngine(ep, &fakeCaps{}, memory.New())

	w := &captureWriter{}
	err := eng.RunTurn(ctx, chatTurn("s1", "hi"), w)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(w.messages) != 0 || w.done != 0 {
		t.Errorf("events written after disconnect: %d messages, %d done", len(w.messages), w.done)
	}
}

// TestFinishTotalTime sanity-checks the metrics stamped on a completed turn.
func TestFinishTotalTime(t *testing.T) {
	ctx := context.Background()
	ep := &fakeEndpoint{completion: &endpoint.Completion{Content: "ok"}}
	eng := newTestEngine(ep, &fakeCaps{}, memory.New())

	base := time.Now()
	tick := 0
	eng.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	w := &captureWriter{}
	if err := eng.RunTurn(ctx, chatTurn("s1", "hi"), w); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	final := w.messages[len(w.messages)-1]
	if final.Metrics == nil || final.Metrics.TotalTime <= 0 {
		t.Errorf("expected positive total time, got %+v", final.Metrics)
	}
}
