// Package storage holds the sentinel errors shared by ChatStore
// implementations. The implementations themselves live in the memory and
// postgres subpackages; the ChatStore interface they satisfy is defined
// in pkg/transport.
package storage
