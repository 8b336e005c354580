package engine

import (
	"context"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/endpoint"
	"github.com/parley-chat/parley/pkg/transport"
)

// transcode consumes the downstream token stream and re-emits it as the
// client-facing protocol: every content event carries the full accumulated
// assistant message, never a bare delta, so a client can render each event
// as a complete replacement of the previous one.
//
// transcode returns nil once the downstream stream ends cleanly, leaving
// the terminal sequence to the caller. On any error it returns without
// writing further; the caller decides between fallback and failure.
func (e *Engine) transcode(ctx context.Context, tc *turnContext, events <-chan endpoint.StreamEvent, w transport.EventWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				// The producer vanished without a done event.
				return api.NewEndpointError("stream ended unexpectedly")
			}
			switch ev.Type {
			case endpoint.EventToken:
				if ev.Token == "" {
					continue
				}
				if tc.firstToken.IsZero() {
					tc.firstToken = e.now()
				}
				tc.message.Content += ev.Token
				if err := w.WriteMessage(ctx, tc.message); err != nil {
					return err
				}
				if err := w.Flush(); err != nil {
					return err
				}
			case endpoint.EventTrace:
				if tc.wantTrace {
					tc.message.Trace = ev.Trace
				}
			case endpoint.EventDone:
				return nil
			case endpoint.EventError:
				return ev.Err
			}
		}
	}
}
