// Package auth provides pluggable authentication for parley.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// Auth is implemented as HTTP middleware, keeping it decoupled from the
// turn engine. The middleware injects the caller identity into the request
// context; every storage operation is scoped by that identity's subject.
//
// The package also holds the outbound side: a TokenMinter that obtains
// OAuth client-credentials tokens for calls to the serving endpoint.
package auth
