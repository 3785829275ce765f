package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CheckFunc probes one dependency. The context carries the probe deadline.
type CheckFunc func(ctx context.Context) Status

// DefaultCheckTimeout bounds each individual probe
const DefaultCheckTimeout = 5 * time.Second

// Monitor holds named check functions and probes them on demand. Safe for
// concurrent use.
type Monitor struct {
	system  string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a monitor reporting under the given system name
func NewMonitor(system string) *Monitor {
	return &Monitor{
		system:  system,
		timeout: DefaultCheckTimeout,
		checks:  make(map[string]CheckFunc),
	}
}

// Register adds or replaces a named check
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// RegisterBool adds a check backed by a plain boolean probe, for dependencies
// that only report connected or not.
func (m *Monitor) RegisterBool(name string, probe func() bool) {
	m.Register(name, func(context.Context) Status {
		if probe() {
			return NewHealthy(name, "connected")
		}
		return NewUnhealthy(name, "not connected")
	})
}

// RegisterPing adds a check backed by an error-returning probe
func (m *Monitor) RegisterPing(name string, probe func(ctx context.Context) error) {
	m.Register(name, func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return NewUnhealthy(name, err.Error())
		}
		return NewHealthy(name, "reachable")
	})
}

// Remove removes a named check
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// ListComponents returns the names of all registered checks, sorted
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered checks
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checks)
}

// Check probes every registered check and aggregates the results. Sub-statuses
// are ordered by component name so output is stable.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(checks))
	for name, check := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		status := check(probeCtx)
		cancel()

		status.Component = name
		if status.Timestamp.IsZero() {
			status.Timestamp = time.Now()
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})

	return Aggregate(m.system, statuses)
}
