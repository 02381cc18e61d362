// Package health tracks advisory upstream health across invocations.
//
// The data is a hint, never a correctness mechanism: reads may be stale,
// writers race benignly (last write wins), and any store error degrades to
// "healthy, unknown" so selection can always proceed.
package health

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the externally shared health signal for one upstream.
type Snapshot struct {
	ConsecutiveFailures int
	LastFailure         time.Time
}

// Options decides when a snapshot counts as unhealthy.
type Options struct {
	// FailureThreshold is the consecutive-failure count at which an
	// upstream starts being skipped.
	FailureThreshold int
	// Window is how long after the last failure the upstream stays
	// marked unhealthy.
	Window time.Duration
}

// DefaultOptions mirrors common passive-health settings.
func DefaultOptions() Options {
	return Options{FailureThreshold: 3, Window: 10 * time.Second}
}

// Unhealthy reports whether the snapshot crosses the threshold inside the
// decay window.
func (s Snapshot) Unhealthy(opts Options, now time.Time) bool {
	if s.ConsecutiveFailures < opts.FailureThreshold {
		return false
	}
	return now.Sub(s.LastFailure) < opts.Window
}

// Store is the best-effort health-state capability. Implementations must
// never block beyond the context deadline and must swallow their own
// errors; a failed read is an empty snapshot.
type Store interface {
	Health(ctx context.Context, upstreamID string) Snapshot
	ReportFailure(ctx context.Context, upstreamID string)
	ReportSuccess(ctx context.Context, upstreamID string)
}

// MemoryStore keeps health state in one process. Good enough when every
// instance seeing its own failures is acceptable.
type MemoryStore struct {
	mu    sync.RWMutex
	state map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[string]Snapshot)}
}

func (m *MemoryStore) Health(_ context.Context, upstreamID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[upstreamID]
}

func (m *MemoryStore) ReportFailure(_ context.Context, upstreamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state[upstreamID]
	s.ConsecutiveFailures++
	s.LastFailure = time.Now()
	m.state[upstreamID] = s
}

func (m *MemoryStore) ReportSuccess(_ context.Context, upstreamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, upstreamID)
}
