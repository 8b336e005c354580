// Package engine implements the turn orchestration core of parley.
// The Engine struct implements transport.TurnRunner, driving one chat turn
// (new message or regeneration) through capability check, streaming or
// non-streaming invocation of the serving endpoint, fallback on streaming
// failure, and persistence of the final assistant message. The package also
// holds the streaming admission gate and the per-session history cache.
package engine
