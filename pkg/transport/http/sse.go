package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/transport"
)

// writerState tracks the state of an SSE event writer.
type writerState int

const (
	writerIdle      writerState = iota // Initial state, no writes yet
	writerStreaming                    // WriteMessage has been called at least once
	writerCompleted                    // Terminal done event sent
)

// sseEventWriter implements transport.EventWriter over an HTTP response.
// Every turn, streaming or not, is answered as an SSE stream: message
// events carry the full Message JSON, and the stream ends with exactly
// one done event:
//
//	data: {message json}\n\n
//	...
//	event: done\ndata: {}\n\n
type sseEventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu    sync.Mutex
	state writerState
}

var _ transport.EventWriter = (*sseEventWriter)(nil)

// newSSEEventWriter creates an EventWriter wrapping an http.ResponseWriter.
func newSSEEventWriter(w http.ResponseWriter) *sseEventWriter {
	return &sseEventWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// WriteMessage sends one content event carrying the message so far.
func (s *sseEventWriter) WriteMessage(_ context.Context, msg api.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write message: stream is completed")
	}

	// First event: set SSE headers.
	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.state = writerStreaming
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// WriteDone sends the terminal event and marks the writer completed.
func (s *sseEventWriter) WriteDone(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("done already sent")
	}

	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
	}
	s.state = writerCompleted

	if _, err := fmt.Fprint(s.w, "event: done\ndata: {}\n\n"); err != nil {
		return fmt.Errorf("failed to write done event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush done event: %w", err)
	}

	return nil
}

// Flush ensures buffered data is sent to the client.
func (s *sseEventWriter) Flush() error {
	return s.rc.Flush()
}

// hasStartedStreaming reports whether at least one SSE event was written.
func (s *sseEventWriter) hasStartedStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != writerIdle
}
