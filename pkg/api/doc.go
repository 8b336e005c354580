// Package api defines the core domain types for the parley chat gateway.
//
// This package provides the message and session model shared by the
// orchestration engine, the storage layer, and the HTTP transport:
// [Message], [ChatSession], the request bodies of the chat endpoints,
// and the [APIError] taxonomy used on every error path.
//
// The package performs no I/O. Message constructors stamp identifiers and
// timestamps but leave persistence to the caller, so they can be exercised
// in isolation.
package api
