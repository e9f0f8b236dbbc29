// Package health serves the liveness and readiness endpoints. Readiness is
// a startup/shutdown gate plus optional named probes against hard
// dependencies; settlement registers its Postgres pool so a dead database
// pulls the instance out of rotation before requests fail.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check probes one dependency. It must respect the context deadline.
type Check func(ctx context.Context) error

type Manager struct {
	ready  atomic.Bool
	mu     sync.RWMutex
	checks map[string]Check
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{checks: make(map[string]Check)}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// AddCheck registers a named dependency probe run on every readiness hit.
func (m *Manager) AddCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// runChecks reports "ok" or the error text per registered probe.
func (m *Manager) runChecks(ctx context.Context) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return nil, true
	}

	results := make(map[string]string, len(m.checks))
	healthy := true
	for name, check := range m.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks, healthy := m.runChecks(ctx)
		body := gin.H{"status": "ready"}
		if checks != nil {
			body["checks"] = checks
		}
		if !healthy {
			body["status"] = "not_ready"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, body)
	}
}
