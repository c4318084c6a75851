// Package health aggregates component liveness checks behind a single
// registry, exposed on the metrics listener as /healthz.
package health

import (
	"encoding/json"
	"net/http"
	"sync"

	"exit_engine/internal/core"
)

// Manager implements core.IHealthMonitor. Checks run at query time, so a
// status read always reflects the current state.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports per-component results.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Handler serves the aggregate status as JSON, 503 when any check fails.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := m.GetStatus()
		healthy := true
		for _, s := range status {
			if s != "Healthy" {
				healthy = false
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":    healthy,
			"components": status,
		})
	}
}
