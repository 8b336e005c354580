package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/auth"
	"github.com/parley-chat/parley/pkg/observability"
	"github.com/parley-chat/parley/pkg/storage"
	"github.com/parley-chat/parley/pkg/transport"
)

// Adapter serves the chat API over HTTP. It routes requests, extracts the
// authenticated identity, and bridges turn requests into the TurnRunner.
type Adapter struct {
	runner       transport.TurnRunner
	store        transport.ChatStore
	endpointName string
	mux          *http.ServeMux
	config       Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr        string
	MaxBodySize int64
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		MaxBodySize: 1 << 20, // 1 MB
	}
}

// NewAdapter creates an HTTP adapter with the given TurnRunner and store.
// Middleware is applied to the TurnRunner in the given order.
func NewAdapter(runner transport.TurnRunner, store transport.ChatStore, endpointName string, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		runner = transport.Chain(middlewares...)(runner)
	}

	a := &Adapter{
		runner:       runner,
		store:        store,
		endpointName: endpointName,
		mux:          http.NewServeMux(),
		config:       cfg,
	}

	a.mux.HandleFunc("POST /chat", a.handleChat)
	a.mux.HandleFunc("POST /regenerate", a.handleRegenerate)
	a.mux.HandleFunc("GET /chats", a.handleListChats)
	a.mux.HandleFunc("GET /chats/{session_id}", a.handleGetChat)
	a.mux.HandleFunc("GET /sessions/{session_id}/messages", a.handleSessionMessages)
	a.mux.HandleFunc("POST /messages/{message_id}/rate", a.handleRateMessage)
	a.mux.HandleFunc("POST /error", a.handleErrorReport)
	a.mux.HandleFunc("GET /model", a.handleModel)
	a.mux.HandleFunc("GET /login", a.handleLogin)
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.Handle("GET /metrics", promhttp.Handler())

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation and metrics.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(observability.MetricsMiddleware(a.mux))
}

// httpRequestIDMiddleware propagates the X-Request-ID header: an inbound
// header is pushed into the context, and the effective request ID (possibly
// generated later by the transport-level RequestID middleware) is echoed on
// the response before the first write.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx := transport.ContextWithRequestID(r.Context(), id)
			r = r.WithContext(ctx)
		}
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// identity extracts the authenticated caller from the request context.
// The auth middleware runs before the adapter, so a missing identity is a
// wiring bug, answered with 401 rather than a panic.
func (a *Adapter) identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "authentication required"),
			http.StatusUnauthorized,
		)
		return nil, false
	}
	return id, true
}

// decodeBody decodes a JSON request body with content-type and size checks.
func (a *Adapter) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return false
	}
	return true
}

// handleChat handles POST /chat.
func (a *Adapter) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	var req api.ChatRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("session_id", "session_id is required"),
			http.StatusBadRequest,
		)
		return
	}
	if req.Content == "" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content", "content is required"),
			http.StatusBadRequest,
		)
		return
	}

	a.runTurn(w, r, &transport.Turn{UserID: id.Subject, Chat: &req})
}

// handleRegenerate handles POST /regenerate.
func (a *Adapter) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	var req api.RegenerateRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("session_id", "session_id is required"),
			http.StatusBadRequest,
		)
		return
	}
	if req.MessageID == "" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("message_id", "message_id is required"),
			http.StatusBadRequest,
		)
		return
	}

	a.runTurn(w, r, &transport.Turn{UserID: id.Subject, Regenerate: &req})
}

// runTurn dispatches the turn to the runner over a fresh SSE writer.
// The runner owns the in-stream failure protocol; the adapter only
// backstops errors raised before the stream opened.
func (a *Adapter) runTurn(w http.ResponseWriter, r *http.Request, turn *transport.Turn) {
	rw := newSSEEventWriter(w)
	if err := a.runner.RunTurn(r.Context(), turn, rw); err != nil {
		if rw.hasStartedStreaming() {
			// The stream already carried an error message, or the
			// client went away. Either way headers are out.
			return
		}
		var apiErr *api.APIError
		if !errors.As(err, &apiErr) {
			apiErr = api.NewServerError(err.Error())
		}
		transport.WriteAPIError(w, apiErr)
	}
}

// handleListChats handles GET /chats.
func (a *Adapter) handleListChats(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	sessions, err := a.store.ListSessions(r.Context(), id.Subject)
	if err != nil {
		a.writeStoreError(w, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.SessionList{Sessions: sessions})
}

// handleGetChat handles GET /chats/{session_id}.
func (a *Adapter) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	sessionID := r.PathValue("session_id")
	session, err := a.store.GetSession(r.Context(), sessionID, id.Subject)
	if err != nil {
		a.writeStoreError(w, err, "session "+sessionID+" not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

// handleSessionMessages handles GET /sessions/{session_id}/messages.
func (a *Adapter) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	sessionID := r.PathValue("session_id")
	messages, err := a.store.LoadHistory(r.Context(), sessionID, id.Subject)
	if err != nil {
		a.writeStoreError(w, err, "")
		return
	}
	if messages == nil {
		messages = []api.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

// handleRateMessage handles POST /messages/{message_id}/rate?rating=up|down.
// Re-rating a message is idempotent: the last write wins.
func (a *Adapter) handleRateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	messageID := r.PathValue("message_id")
	rating := api.Rating(r.URL.Query().Get("rating"))
	if !api.ValidRating(rating) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("rating", "rating must be 'up' or 'down'"),
			http.StatusBadRequest,
		)
		return
	}

	updated, err := a.store.UpdateRating(r.Context(), messageID, id.Subject, rating)
	if err != nil {
		a.writeStoreError(w, err, "")
		return
	}
	if !updated {
		transport.WriteAPIError(w, api.NewNotFoundError("message "+messageID+" not found"))
		return
	}

	observability.RatingsTotal.WithLabelValues(string(rating)).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleErrorReport handles POST /error: the client records a failure it
// observed (rendering crash, network drop mid-stream) as a role=error
// message in the session.
func (a *Adapter) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	var report api.ErrorReport
	if !a.decodeBody(w, r, &report) {
		return
	}
	if report.SessionID == "" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("session_id", "session_id is required"),
			http.StatusBadRequest,
		)
		return
	}
	if report.Content == "" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content", "content is required"),
			http.StatusBadRequest,
		)
		return
	}

	msg := api.NewErrorMessage(report.SessionID, id.Subject, report.Content)
	if err := a.store.PersistMessage(r.Context(), msg); err != nil {
		a.writeStoreError(w, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

// handleModel handles GET /model.
func (a *Adapter) handleModel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"model": a.endpointName})
}

// handleLogin handles GET /login: echoes the authenticated identity so the
// UI can display who is signed in.
func (a *Adapter) handleLogin(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"user_id":      id.Subject,
		"email":        id.Email,
		"display_name": id.DisplayName,
	})
}

// handleHealthz handles GET /healthz.
func (a *Adapter) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.HealthCheck(r.Context()); err != nil {
		transport.WriteErrorResponse(w,
			api.NewServerError("storage unavailable: "+err.Error()),
			http.StatusServiceUnavailable,
		)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeStoreError maps storage errors to API error responses.
func (a *Adapter) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, storage.ErrNotFound) {
		if notFoundMsg == "" {
			notFoundMsg = "not found"
		}
		transport.WriteAPIError(w, api.NewNotFoundError(notFoundMsg))
		return
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		transport.WriteAPIError(w, apiErr)
		return
	}
	transport.WriteAPIError(w, api.NewServerError(err.Error()))
}
