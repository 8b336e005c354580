// Package transport defines the contracts between the HTTP layer and the
// turn orchestration engine: the TurnRunner handler interface, the
// EventWriter streaming abstraction, the ChatStore persistence interface,
// and the middleware chain applied around the runner.
//
// Concrete HTTP serving lives in the transport/http subpackage.
package transport
