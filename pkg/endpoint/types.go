package endpoint

import "encoding/json"

// ChatMessage is one message in the downstream request payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries serving-endpoint specific request options.
type Options struct {
	ReturnTrace bool `json:"return_trace"`
}

// ChatRequest is the JSON body sent to the serving endpoint.
// DatabricksOptions is attached only when the endpoint supports trace.
type ChatRequest struct {
	Messages          []ChatMessage `json:"messages"`
	Stream            bool          `json:"stream,omitempty"`
	DatabricksOptions *Options      `json:"databricks_options,omitempty"`
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Content string
	Trace   json.RawMessage
}

// EventType classifies events produced while reading a chunked response.
type EventType int

const (
	// EventToken carries an incremental content token.
	EventToken EventType = iota

	// EventTrace carries trace metadata from the final chunk.
	EventTrace

	// EventDone signals the downstream stream ended cleanly.
	EventDone

	// EventError signals a transport or protocol failure mid-stream.
	EventError
)

// StreamEvent is one event read from the downstream chunked response.
type StreamEvent struct {
	Type  EventType
	Token string
	Trace json.RawMessage
	Err   error
}

// chatCompletionResponse is the wire shape of a non-streaming response.
type chatCompletionResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	DatabricksOutput *databricksOutput `json:"databricks_output"`
}

// chatCompletionChunk is the wire shape of one streaming SSE chunk.
type chatCompletionChunk struct {
	Choices []struct {
		Delta ChatMessage `json:"delta"`
	} `json:"choices"`
	DatabricksOutput *databricksOutput `json:"databricks_output"`
}

// databricksOutput holds endpoint-specific response extensions.
type databricksOutput struct {
	Trace json.RawMessage `json:"trace"`
}

// Capabilities describes what the serving endpoint supports.
type Capabilities struct {
	SupportsStreaming bool
	SupportsTrace     bool
}
