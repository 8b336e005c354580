package endpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober performs a capability probe against the serving endpoint.
// *Client implements it.
type Prober interface {
	Probe(ctx context.Context) (Capabilities, error)
}

// DefaultFreshnessWindow is how long a capability cache entry is trusted
// before it must be re-probed.
const DefaultFreshnessWindow = 5 * time.Minute

// capabilityEntry is the cached capability triple for one endpoint.
// The triple is always replaced as a unit, never field by field.
type capabilityEntry struct {
	caps        Capabilities
	lastChecked time.Time
}

// CapabilityCache tracks, per endpoint name, whether streaming and trace
// are supported. Entries older than the freshness window are re-probed
// before being trusted. A Downgrade pins streaming off for a full window,
// so requests immediately following an observed streaming failure do not
// retry streaming against a known-broken endpoint.
//
// All methods are safe for concurrent use. Absence of data is never fatal:
// probe failures conservatively disable streaming and trace.
type CapabilityCache struct {
	mu      sync.Mutex
	prober  Prober
	window  time.Duration
	entries map[string]capabilityEntry

	now func() time.Time // injectable clock for tests
}

// NewCapabilityCache creates a cache backed by the given prober.
// A zero window falls back to DefaultFreshnessWindow.
func NewCapabilityCache(prober Prober, window time.Duration) *CapabilityCache {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &CapabilityCache{
		prober:  prober,
		window:  window,
		entries: make(map[string]capabilityEntry),
		now:     time.Now,
	}
}

// Query returns the endpoint's capabilities, probing when no fresh entry
// exists. Query never fails: a failed probe reports no streaming and no
// trace support, which only disables the streaming path.
func (c *CapabilityCache) Query(ctx context.Context, endpointName string) Capabilities {
	c.mu.Lock()
	entry, ok := c.entries[endpointName]
	if ok && c.now().Sub(entry.lastChecked) < c.window {
		c.mu.Unlock()
		return entry.caps
	}
	observed := entry.lastChecked
	c.mu.Unlock()

	// Probe outside the lock so a slow endpoint does not block queries
	// for fresh entries.
	caps, err := c.prober.Probe(ctx)
	if err != nil {
		slog.Warn("capability probe failed, disabling streaming",
			"endpoint", endpointName, "error", err)
		caps = Capabilities{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The entry may have been refreshed while the probe was in flight,
	// by a Downgrade or by a concurrent probe. That write wins: a probe
	// result from before the refresh must not overwrite it, or a
	// downgrade pinned for the freshness window would be clobbered.
	if current := c.entries[endpointName]; current.lastChecked.After(observed) {
		return current.caps
	}

	c.entries[endpointName] = capabilityEntry{caps: caps, lastChecked: c.now()}
	return caps
}

// Downgrade forces supports_streaming off and resets the entry's age,
// suppressing re-probing for a full freshness window. Called after an
// observed mid-stream failure.
func (c *CapabilityCache) Downgrade(endpointName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[endpointName]
	entry.caps.SupportsStreaming = false
	entry.lastChecked = c.now()
	c.entries[endpointName] = entry

	slog.Info("endpoint downgraded to non-streaming", "endpoint", endpointName)
}
