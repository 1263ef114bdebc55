package health

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// Manager tracks whether the process should accept traffic plus the state
// of named backing dependencies. Readiness requires serving to be enabled
// and every registered dependency to be healthy.
type Manager struct {
	mu      sync.RWMutex
	serving bool
	deps    map[string]bool
}

func NewManager() *Manager {
	return &Manager{deps: make(map[string]bool)}
}

// SetServing flips the overall serving switch, typically on once startup
// wiring completes and off again when shutdown begins.
func (m *Manager) SetServing(on bool) {
	m.mu.Lock()
	m.serving = on
	m.mu.Unlock()
}

// SetDependency records the health of a named dependency such as the order
// store or the event broker.
func (m *Manager) SetDependency(name string, healthy bool) {
	m.mu.Lock()
	m.deps[name] = healthy
	m.mu.Unlock()
}

func (m *Manager) IsReady() bool {
	ready, _ := m.Snapshot()
	return ready
}

// Snapshot returns overall readiness plus a copy of the per-dependency
// states for reporting.
func (m *Manager) Snapshot() (bool, map[string]bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deps := make(map[string]bool, len(m.deps))
	ready := m.serving
	for name, healthy := range m.deps {
		deps[name] = healthy
		if !healthy {
			ready = false
		}
	}
	return ready, deps
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ready, deps := m.Snapshot()
		body := gin.H{"status": "ready", "dependencies": deps}
		if !ready {
			body["status"] = "not_ready"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, body)
	}
}
