package endpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// ParseSSEStream reads serving-endpoint SSE chunks from the given reader,
// translates each chunk to StreamEvent values, and sends them on ch.
// The channel is NOT closed by this function; the caller is responsible
// for closing it. onChunk, if non-nil, is invoked after every line read
// (used to feed the caller's read watchdog).
//
// SSE format expected:
//
//	data: {"choices":[{"delta":{"content":"..."}}]}\n
//	\n
//	data: [DONE]\n
//	\n
//
// Malformed chunks are logged and skipped. Context cancellation stops
// reading immediately.
func ParseSSEStream(ctx context.Context, body io.Reader, ch chan<- StreamEvent, onChunk func()) {
	scanner := bufio.NewScanner(body)
	// Trace payloads can be large; allow chunks up to 1 MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	sawDone := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if onChunk != nil {
			onChunk()
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("skipping malformed stream chunk", "error", err)
			continue
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			select {
			case ch <- StreamEvent{Type: EventToken, Token: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		if chunk.DatabricksOutput != nil && len(chunk.DatabricksOutput.Trace) > 0 {
			select {
			case ch <- StreamEvent{Type: EventTrace, Trace: chunk.DatabricksOutput.Trace}:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		select {
		case ch <- StreamEvent{Type: EventError, Err: MapNetworkError(err)}:
		case <-ctx.Done():
		}
		return
	}

	// EOF without [DONE] counts as a clean end: some endpoints close the
	// stream without the terminator.
	_ = sawDone

	select {
	case ch <- StreamEvent{Type: EventDone}:
	case <-ctx.Done():
	}
}
