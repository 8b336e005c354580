// Package endpoint provides the HTTP client for the model serving endpoint:
// non-streaming completion calls, chunked SSE streaming, capability probing,
// and the process-wide capability cache that decides whether a turn may
// attempt the streaming path.
package endpoint
