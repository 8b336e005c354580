package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/parley-chat/parley/pkg/api"
)

// HighDemandMessage is the user-readable content of the error message
// produced when the serving endpoint answers with HTTP 429.
const HighDemandMessage = "The service is currently experiencing high demand. Please wait a moment and try again."

// maxErrorBody bounds how much of an error response body is read for
// diagnostics.
const maxErrorBody = 2048

// MapHTTPError converts a non-2xx endpoint response into an APIError.
// 429 gets the distinct high-demand message so the client can tell
// throttling apart from generic failures.
func MapHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return api.NewTooManyRequestsError(HighDemandMessage)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return api.NewEndpointError(fmt.Sprintf("endpoint rejected request (status %d): %s", resp.StatusCode, body))
	default:
		return api.NewEndpointError(fmt.Sprintf("endpoint failed (status %d)", resp.StatusCode))
	}
}

// MapNetworkError converts a transport-level failure into an APIError.
// Context cancellation passes through unchanged so callers can tell a
// client disconnect apart from an endpoint failure.
func MapNetworkError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return api.NewEndpointError("endpoint unreachable: " + err.Error())
}
