package transport

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that emits structured log entries for each
// turn. The log entry includes the session, whether the turn was a
// regeneration, duration, request ID (from context), and whether the turn
// succeeded or failed.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next TurnRunner) TurnRunner {
		return TurnRunnerFunc(func(ctx context.Context, turn *Turn, w EventWriter) error {
			start := time.Now()
			requestID := RequestIDFromContext(ctx)

			err := next.RunTurn(ctx, turn, w)

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("session_id", turn.SessionID()),
				slog.Bool("regeneration", turn.IsRegeneration()),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "turn failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "turn completed", attrs...)
			}

			return err
		})
	}
}
