package transport

import (
	"context"
	"fmt"

	"github.com/parley-chat/parley/pkg/api"
)

// Recovery returns middleware that catches panics in the handler and
// converts them to server errors. The server continues to accept new
// requests after a panic is recovered.
func Recovery() Middleware {
	return func(next TurnRunner) TurnRunner {
		return TurnRunnerFunc(func(ctx context.Context, turn *Turn, w EventWriter) (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.RunTurn(ctx, turn, w)
		})
	}
}
