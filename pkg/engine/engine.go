package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/debug"
	"github.com/parley-chat/parley/pkg/endpoint"
	"github.com/parley-chat/parley/pkg/observability"
	"github.com/parley-chat/parley/pkg/transport"
)

// genericErrorMessage is shown to the user when a turn fails for a reason
// they cannot act on. Specific failures (rate limiting) carry their own text.
const genericErrorMessage = "An error occurred while processing your request. Please try again."

// persistFailureMessage is shown when the response was generated but could
// not be written to storage.
const persistFailureMessage = "The response was generated but could not be saved. Please try again."

// EndpointClient is the subset of the serving endpoint client the engine
// depends on. endpoint.Client satisfies it.
type EndpointClient interface {
	Name() string
	Complete(ctx context.Context, req *endpoint.ChatRequest, opts endpoint.CompleteOptions) (*endpoint.Completion, error)
	Stream(ctx context.Context, req *endpoint.ChatRequest) (<-chan endpoint.StreamEvent, error)
}

// CapabilitySource answers what the serving endpoint supports right now and
// records observed streaming failures. endpoint.CapabilityCache satisfies it.
type CapabilitySource interface {
	Query(ctx context.Context, endpointName string) endpoint.Capabilities
	Downgrade(endpointName string)
}

// Engine orchestrates chat turns against a single serving endpoint.
// It implements transport.TurnRunner.
type Engine struct {
	client    EndpointClient
	caps      CapabilitySource
	store     transport.ChatStore
	history   *HistoryCache
	admission *Admission
	logger    *slog.Logger

	now func() time.Time // injectable clock for tests
}

// New creates an Engine with the given collaborators.
func New(cfg Config, client EndpointClient, caps CapabilitySource, store transport.ChatStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:    client,
		caps:      caps,
		store:     store,
		history:   NewHistoryCache(store, cfg.historyTTL()),
		admission: NewAdmission(cfg.maxStreams()),
		logger:    logger,
		now:       time.Now,
	}
}

// turnContext carries the working state of one turn between phases.
type turnContext struct {
	sessionID  string
	userID     string
	payload    *endpoint.ChatRequest
	message    api.Message // the assistant message being built
	start      time.Time
	firstToken time.Time
	wantTrace  bool
	regenerate bool
}

// RunTurn drives one chat turn to its terminal event. It always writes a
// complete client-facing sequence: zero or more message events followed by
// exactly one done event, unless the client disconnects first. The returned
// error is for logging; user-facing failure text has already been emitted
// as a role=error message by the time RunTurn returns.
func (e *Engine) RunTurn(ctx context.Context, turn *transport.Turn, w transport.EventWriter) error {
	if (turn.Chat == nil) == (turn.Regenerate == nil) {
		return api.NewInvalidRequestError("request", "exactly one of chat and regenerate must be set")
	}

	caps := e.caps.Query(ctx, e.client.Name())
	debug.Log("engine", "turn starting",
		"streaming", caps.SupportsStreaming,
		"regenerate", turn.Regenerate != nil,
	)

	tc, err := e.prepare(ctx, turn, caps)
	if err != nil {
		return e.fail(ctx, turn, w, err)
	}

	if caps.SupportsStreaming {
		err = e.streamTurn(ctx, tc, w)
	} else {
		err = e.completeTurn(ctx, tc, w, endpoint.CompleteOptions{})
	}
	if err != nil {
		return e.fail(ctx, turn, w, err)
	}
	return nil
}

// prepare loads history, persists the user message (for new turns), and
// builds the downstream payload and the assistant message shell.
func (e *Engine) prepare(ctx context.Context, turn *transport.Turn, caps endpoint.Capabilities) (*turnContext, error) {
	tc := &turnContext{
		sessionID: turn.SessionID(),
		userID:    turn.UserID,
		start:     e.now(),
		wantTrace: caps.SupportsTrace,
	}

	if turn.Regenerate != nil {
		return e.prepareRegeneration(ctx, turn, tc)
	}

	req := turn.Chat

	isFirst, err := e.store.IsFirstMessage(ctx, req.SessionID, turn.UserID)
	if err != nil {
		return nil, err
	}

	history, err := e.history.Load(ctx, req.SessionID, turn.UserID)
	if err != nil {
		return nil, err
	}

	userMsg := api.NewUserMessage(req.SessionID, turn.UserID, req.Content, isFirst)
	if err := e.store.PersistMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	e.history.Invalidate(req.SessionID)

	tc.payload = buildPayload(history, req.Content, req.IncludeHistory, tc.wantTrace)
	tc.message = api.NewAssistantMessage(req.SessionID, turn.UserID)
	return tc, nil
}

// prepareRegeneration rebuilds the conversation up to but excluding the
// target message and reuses the target's identity so the replacement keeps
// its position and timestamp.
func (e *Engine) prepareRegeneration(ctx context.Context, turn *transport.Turn, tc *turnContext) (*turnContext, error) {
	req := turn.Regenerate
	tc.regenerate = true

	history, err := e.history.Load(ctx, req.SessionID, turn.UserID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, msg := range history {
		if msg.MessageID == req.MessageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, api.NewNotFoundError("message not found: " + req.MessageID)
	}

	truncated := history[:idx]
	if len(truncated) == 0 || truncated[len(truncated)-1].Role != api.RoleUser {
		return nil, api.NewInvalidRequestError("message_id", "message is not preceded by a user message")
	}
	prompt := truncated[len(truncated)-1]

	tc.payload = buildPayload(truncated[:len(truncated)-1], prompt.Content, req.IncludeHistory, tc.wantTrace)

	target := history[idx]
	tc.message = api.NewAssistantMessage(req.SessionID, turn.UserID)
	tc.message.MessageID = target.MessageID
	tc.message.Timestamp = target.Timestamp
	return tc, nil
}

// buildPayload converts stored history plus the current prompt into the
// downstream request shape. Only user and assistant turns are forwarded;
// error messages never reach the endpoint.
func buildPayload(history []api.Message, content string, includeHistory, wantTrace bool) *endpoint.ChatRequest {
	var messages []endpoint.ChatMessage
	if includeHistory {
		for _, msg := range history {
			if msg.Role != api.RoleUser && msg.Role != api.RoleAssistant {
				continue
			}
			messages = append(messages, endpoint.ChatMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	messages = append(messages, endpoint.ChatMessage{Role: string(api.RoleUser), Content: content})

	req := &endpoint.ChatRequest{Messages: messages}
	if wantTrace {
		req.DatabricksOptions = &endpoint.Options{ReturnTrace: true}
	}
	return req
}

// streamTurn runs the streaming path: admission, the downstream stream, and
// the transcoding loop. A mid-stream or setup failure that is not a client
// cancellation downgrades the endpoint's capabilities and falls back to one
// non-streaming call with cache busting.
func (e *Engine) streamTurn(ctx context.Context, tc *turnContext, w transport.EventWriter) error {
	if err := e.admission.Acquire(ctx); err != nil {
		return err
	}

	err := func() error {
		defer e.admission.Release()

		started := e.now()
		events, err := e.client.Stream(ctx, tc.payload)
		if err != nil {
			observability.EndpointRequestsTotal.WithLabelValues("streaming", "error").Inc()
			return err
		}

		err = e.transcode(ctx, tc, events, w)
		status := "ok"
		if err != nil {
			status = "error"
		}
		observability.EndpointRequestsTotal.WithLabelValues("streaming", status).Inc()
		observability.EndpointLatency.WithLabelValues("streaming").Observe(e.now().Sub(started).Seconds())
		return err
	}()
	if err == nil {
		// The slot is released before persistence; only the downstream
		// connection itself counts against the streaming ceiling.
		return e.finish(ctx, tc, w)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.logger.Warn("streaming failed, falling back to non-streaming",
		"session_id", tc.sessionID,
		"error", err)
	e.caps.Downgrade(e.client.Name())
	observability.StreamingFallbacks.Inc()

	// The partial streamed content is discarded; the fallback response
	// replaces it wholesale.
	tc.message.Content = ""
	tc.message.Trace = nil
	tc.firstToken = time.Time{}
	return e.completeTurn(ctx, tc, w, endpoint.CompleteOptions{CacheBust: true})
}

// completeTurn runs the non-streaming path: one blocking call, then the
// single content event and the terminal sequence.
func (e *Engine) completeTurn(ctx context.Context, tc *turnContext, w transport.EventWriter, opts endpoint.CompleteOptions) error {
	started := e.now()
	completion, err := e.client.Complete(ctx, tc.payload, opts)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.EndpointRequestsTotal.WithLabelValues("blocking", status).Inc()
	observability.EndpointLatency.WithLabelValues("blocking").Observe(e.now().Sub(started).Seconds())
	if err != nil {
		return err
	}

	tc.message.Content = completion.Content
	if tc.wantTrace {
		tc.message.Trace = completion.Trace
	}
	return e.finish(ctx, tc, w)
}

// finish stamps metrics, emits the final content event, persists the
// assistant message, and terminates the stream.
func (e *Engine) finish(ctx context.Context, tc *turnContext, w transport.EventWriter) error {
	metrics := &api.TurnMetrics{TotalTime: e.now().Sub(tc.start).Seconds()}
	if !tc.firstToken.IsZero() {
		ttft := tc.firstToken.Sub(tc.start).Seconds()
		metrics.TimeToFirstToken = ttft
		observability.TimeToFirstToken.Observe(ttft)
	}
	tc.message.Metrics = metrics

	if err := w.WriteMessage(ctx, tc.message); err != nil {
		return err
	}

	var persistErr error
	if tc.regenerate {
		persistErr = e.store.ReplaceMessage(ctx, tc.message)
	} else {
		persistErr = e.store.PersistMessage(ctx, tc.message)
	}
	if persistErr != nil {
		e.logger.Error("failed to persist assistant message",
			"session_id", tc.sessionID,
			"message_id", tc.message.MessageID,
			"error", persistErr)
		errMsg := api.NewErrorMessage(tc.sessionID, tc.userID, persistFailureMessage)
		if err := w.WriteMessage(ctx, errMsg); err != nil {
			return err
		}
	}
	e.history.Invalidate(tc.sessionID)

	return w.WriteDone(ctx)
}

// fail converts a turn failure into the client-facing terminal sequence:
// one role=error message, then done. The original error is returned so the
// transport layer can log it. A client disconnect is passed through
// untouched; there is nobody left to read an error message.
func (e *Engine) fail(ctx context.Context, turn *transport.Turn, w transport.EventWriter, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.logger.Error("turn failed",
		"session_id", turn.SessionID(),
		"regeneration", turn.IsRegeneration(),
		"error", err)

	errMsg := api.NewErrorMessage(turn.SessionID(), turn.UserID, userFacingError(err))
	if werr := w.WriteMessage(ctx, errMsg); werr != nil {
		return err
	}
	if werr := w.WriteDone(ctx); werr != nil {
		return err
	}
	return err
}

// userFacingError picks the text shown to the user for a failed turn.
// Rate-limit and validation failures carry actionable text; everything
// else collapses to a generic message so internals do not leak.
func userFacingError(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case api.ErrorTypeTooManyRequests:
			return apiErr.Message
		case api.ErrorTypeInvalidRequest, api.ErrorTypeNotFound:
			return apiErr.Message
		}
	}
	return genericErrorMessage
}

// Store exposes the engine's chat store for the HTTP surface (session
// listing, ratings, health checks).
func (e *Engine) Store() transport.ChatStore {
	return e.store
}
