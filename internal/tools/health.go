package tools

import (
	"sync"
	"time"
)

// Defaults for HealthRegistry.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = time.Minute
)

// HealthRegistry tracks consecutive tool failures. A tool that fails
// threshold times in a row is excluded from selection until its cooldown
// passes or it succeeds again.
type HealthRegistry struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	failures  map[string]int
	until     map[string]time.Time
}

// NewHealthRegistry creates a registry. Non-positive values use defaults.
func NewHealthRegistry(threshold int, cooldown time.Duration) *HealthRegistry {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &HealthRegistry{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		failures:  make(map[string]int),
		until:     make(map[string]time.Time),
	}
}

// Record updates the registry with one call result.
func (h *HealthRegistry) Record(name string, res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if res.Success {
		delete(h.failures, name)
		if _, ok := h.until[name]; ok {
			delete(h.until, name)
			unhealthyTools.Dec()
		}
		return
	}
	h.failures[name]++
	if h.failures[name] >= h.threshold {
		if _, ok := h.until[name]; !ok {
			unhealthyTools.Inc()
		}
		h.until[name] = h.now().Add(h.cooldown)
		h.failures[name] = 0
	}
}

// MarkUnhealthy excludes name for the cooldown period.
func (h *HealthRegistry) MarkUnhealthy(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.until[name]; !ok {
		unhealthyTools.Inc()
	}
	h.until[name] = h.now().Add(h.cooldown)
}

// Healthy reports whether name may be selected.
func (h *HealthRegistry) Healthy(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	until, ok := h.until[name]
	if !ok {
		return true
	}
	if h.now().Before(until) {
		return false
	}
	delete(h.until, name)
	unhealthyTools.Dec()
	return true
}
