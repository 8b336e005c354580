// Command mockendpoint runs a deterministic chat serving endpoint for
// local development. It answers predictable completions based on the
// prompt content, so the gateway can be exercised end to end without a
// real model behind it.
//
// Special prompts:
//
//	"count from 1 to 5"  - streams the digits token by token
//	"break the stream"   - drops the connection mid-stream (fallback path)
//	"overloaded"         - answers 429 on every request
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("POST /", handleInvocation)

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock endpoint starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock endpoint failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock endpoint shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// --- Request types ---

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"databricks_options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	ReturnTrace bool `json:"return_trace"`
}

// --- Response types ---

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Choices []chatChoice `json:"choices"`
	Output  *chatOutput  `json:"databricks_output,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatOutput struct {
	Trace json.RawMessage `json:"trace"`
}

// --- Handler ---

func handleInvocation(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error_code":"invalid_request","message":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	prompt := lastUserMessage(&req)
	if strings.Contains(strings.ToLower(prompt), "overloaded") {
		http.Error(w, `{"error_code":"too_many_requests","message":"endpoint is overloaded"}`, http.StatusTooManyRequests)
		return
	}

	if req.Stream {
		handleStreaming(w, &req, prompt)
		return
	}

	resp := chatResponse{
		ID:     "chat-mock",
		Object: "chat.completion",
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: strings.Join(tokensFor(prompt), "")},
				FinishReason: "stop",
			},
		},
	}
	if req.Options != nil && req.Options.ReturnTrace {
		resp.Output = &chatOutput{Trace: traceFor(prompt)}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Streaming ---

func handleStreaming(w http.ResponseWriter, req *chatRequest, prompt string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	tokens := tokensFor(prompt)
	breakAt := -1
	if strings.Contains(strings.ToLower(prompt), "break the stream") {
		breakAt = len(tokens) / 2
	}

	for i, token := range tokens {
		if i == breakAt {
			// Abandon the response without [DONE]; the gateway
			// should fall back to a blocking retry.
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		writeChunk(w, token, nil)
		flusher.Flush()
	}

	if req.Options != nil && req.Options.ReturnTrace {
		writeChunk(w, "", traceFor(prompt))
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeChunk(w http.ResponseWriter, token string, trace json.RawMessage) {
	chunk := map[string]any{
		"id":     "chat-mock-stream",
		"object": "chat.completion.chunk",
		"choices": []any{
			map[string]any{
				"index": 0,
				"delta": map[string]any{"role": "assistant", "content": token},
			},
		},
	}
	if len(trace) > 0 {
		chunk["databricks_output"] = map[string]any{"trace": trace}
	}

	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// --- Helpers ---

func tokensFor(prompt string) []string {
	if strings.Contains(strings.ToLower(prompt), "count from 1 to 5") {
		return []string{"1", ", ", "2", ", ", "3", ", ", "4", ", ", "5"}
	}
	return []string{"Hello", "! ", "How", " can", " I", " help", " you", " today", "?"}
}

func traceFor(prompt string) json.RawMessage {
	trace := map[string]any{
		"steps": []map[string]any{
			{"name": "retrieval", "duration_ms": 12},
			{"name": "generation", "duration_ms": 87, "prompt_chars": len(prompt)},
		},
	}
	data, _ := json.Marshal(trace)
	return data
}

func lastUserMessage(req *chatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}
