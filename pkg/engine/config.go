package engine

import "time"

// Config holds configuration for the turn orchestrator.
type Config struct {
	// MaxConcurrentStreams bounds simultaneous streaming connections to
	// the serving endpoint. Zero or negative means use the default of 8.
	MaxConcurrentStreams int

	// HistoryTTL is how long a cached session history stays valid.
	// Zero means use the default of 30 seconds.
	HistoryTTL time.Duration
}

// maxStreams returns the effective streaming concurrency ceiling.
func (c Config) maxStreams() int {
	if c.MaxConcurrentStreams <= 0 {
		return 8
	}
	return c.MaxConcurrentStreams
}

// historyTTL returns the effective history cache freshness window.
func (c Config) historyTTL() time.Duration {
	if c.HistoryTTL <= 0 {
		return 30 * time.Second
	}
	return c.HistoryTTL
}
