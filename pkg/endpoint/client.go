package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/debug"
)

// HeaderSource supplies authentication headers for downstream calls.
// Implementations mint or refresh tokens as needed and fail with an error
// when no valid token can be produced.
type HeaderSource interface {
	AuthHeaders(ctx context.Context) (map[string]string, error)
}

// Config holds the serving-endpoint client settings.
type Config struct {
	// URL is the full invocation URL of the serving endpoint.
	URL string

	// Name identifies the endpoint for capability caching and logging.
	Name string

	// Timeout bounds non-streaming calls end to end (default: 120s).
	Timeout time.Duration

	// ReadTimeout bounds the gap between streamed chunks (default: 30s).
	// A stream that stays silent longer is treated as failed, which
	// triggers the non-streaming fallback.
	ReadTimeout time.Duration
}

// Client performs HTTP requests against the serving endpoint. It implements
// the Prober interface consumed by the CapabilityCache.
type Client struct {
	httpClient  *http.Client
	url         string
	name        string
	readTimeout time.Duration
	headers     HeaderSource
}

// NewClient creates a new Client for a serving endpoint. The HeaderSource
// may be nil when the endpoint requires no authentication.
func NewClient(cfg Config, headers HeaderSource) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		url:         strings.TrimRight(cfg.URL, "/"),
		name:        cfg.Name,
		readTimeout: cfg.ReadTimeout,
		headers:     headers,
	}
}

// Name returns the endpoint name used as the capability cache key.
func (c *Client) Name() string {
	return c.name
}

// CompleteOptions adjust a single non-streaming call.
type CompleteOptions struct {
	// CacheBust appends a unique nocache query parameter to the request
	// URL. Used when re-submitting a failed streaming request so an
	// intermediary cannot serve a cached response for the original target.
	CacheBust bool
}

// Complete performs a non-streaming call. The entire assistant content
// arrives at once.
func (c *Client) Complete(ctx context.Context, req *ChatRequest, opts CompleteOptions) (*Completion, error) {
	reqCopy := *req
	reqCopy.Stream = false

	body, err := json.Marshal(&reqCopy)
	if err != nil {
		return nil, api.NewServerError("failed to marshal request: " + err.Error())
	}

	url := c.url
	if opts.CacheBust {
		url = url + "?nocache=" + uuid.NewString()
	}
	debug.Log("endpoint", "blocking call", "endpoint", c.name, "messages", len(req.Messages), "cache_bust", opts.CacheBust)
	debug.Raw("endpoint", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewServerError("failed to create HTTP request: " + err.Error())
	}
	if err := c.setHeaders(ctx, httpReq); err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, MapHTTPError(httpResp)
	}

	var chatResp chatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewEndpointError("failed to parse endpoint response: " + err.Error())
	}
	if len(chatResp.Choices) == 0 {
		return nil, api.NewEndpointError("endpoint produced no output")
	}

	completion := &Completion{Content: chatResp.Choices[0].Message.Content}
	if chatResp.DatabricksOutput != nil {
		completion.Trace = chatResp.DatabricksOutput.Trace
	}
	return completion, nil
}

// Stream opens a chunked connection with stream=true and returns a channel
// of StreamEvents. The channel is closed when the stream completes, errors,
// or the context is cancelled. A non-success open status is returned as an
// error before any event is produced.
//
// The HTTP client timeout is not applied for streaming requests because a
// stream can legitimately last longer than any fixed total timeout. Between
// chunks, ReadTimeout applies instead: a stream silent for longer is
// terminated with an EventError.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	reqCopy := *req
	reqCopy.Stream = true

	body, err := json.Marshal(&reqCopy)
	if err != nil {
		return nil, api.NewServerError("failed to marshal request: " + err.Error())
	}

	debug.Log("streaming", "opening stream", "endpoint", c.name, "messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewServerError("failed to create HTTP request: " + err.Error())
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if err := c.setHeaders(ctx, httpReq); err != nil {
		return nil, err
	}

	// Context controls the request lifetime instead of the client timeout.
	streamClient := &http.Client{
		Transport: c.httpClient.Transport,
	}

	httpResp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		return nil, MapHTTPError(httpResp)
	}

	ch := make(chan StreamEvent, 16)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		// Watchdog closes the body when the stream stays silent past
		// ReadTimeout, which surfaces as a read error in the parser.
		watchdog := time.AfterFunc(c.readTimeout, func() {
			httpResp.Body.Close()
		})
		defer watchdog.Stop()

		ParseSSEStream(ctx, httpResp.Body, ch, func() {
			watchdog.Reset(c.readTimeout)
		})
	}()

	return ch, nil
}

// Probe checks what the endpoint supports by sending a minimal streaming
// request with trace requested. Streaming support is derived from the
// response content type; trace support from the presence of endpoint
// output extensions in the reply.
func (c *Client) Probe(ctx context.Context) (Capabilities, error) {
	debug.Log("endpoint", "probing capabilities", "endpoint", c.name)

	req := &ChatRequest{
		Messages:          []ChatMessage{{Role: "user", Content: "ping"}},
		Stream:            true,
		DatabricksOptions: &Options{ReturnTrace: true},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Capabilities{}, api.NewServerError("failed to marshal probe: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Capabilities{}, api.NewServerError("failed to create probe request: " + err.Error())
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if err := c.setHeaders(ctx, httpReq); err != nil {
		return Capabilities{}, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Capabilities{}, MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Capabilities{}, MapHTTPError(httpResp)
	}

	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		// Drain the probe stream to see whether trace data shows up.
		caps := Capabilities{SupportsStreaming: true}
		ch := make(chan StreamEvent, 16)
		go func() {
			defer close(ch)
			ParseSSEStream(ctx, httpResp.Body, ch, nil)
		}()
		for ev := range ch {
			if ev.Type == EventTrace && len(ev.Trace) > 0 {
				caps.SupportsTrace = true
			}
		}
		return caps, nil
	}

	// Endpoint ignored stream=true and answered with a plain completion.
	var chatResp chatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return Capabilities{}, api.NewEndpointError("failed to parse probe response: " + err.Error())
	}
	return Capabilities{
		SupportsStreaming: false,
		SupportsTrace:     chatResp.DatabricksOutput != nil && len(chatResp.DatabricksOutput.Trace) > 0,
	}, nil
}

// setHeaders applies content type and auth headers to an outgoing request.
func (c *Client) setHeaders(ctx context.Context, req *http.Request) error {
	req.Header.Set("Content-Type", "application/json")
	if c.headers == nil {
		return nil
	}
	headers, err := c.headers.AuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("minting auth headers: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
