// Package health tracks readiness of the gateway's components and
// serves an aggregate snapshot over HTTP.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status is the reported state of a single component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Report is one component's health entry.
type Report struct {
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry holds the current health of all registered components.
type Registry struct {
	mu      sync.RWMutex
	reports map[string]Report
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		reports: make(map[string]Report),
		now:     time.Now,
	}
}

// Set records the health of a component, replacing any previous entry.
func (r *Registry) Set(component string, status Status, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[component] = Report{
		Status:    status,
		Detail:    detail,
		UpdatedAt: r.now().UTC(),
	}
}

// Healthy reports whether every registered component is up.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rep := range r.reports {
		if rep.Status != StatusUp {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of all current reports.
func (r *Registry) Snapshot() map[string]Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Report, len(r.reports))
	for k, v := range r.reports {
		out[k] = v
	}
	return out
}

// Handler serves the aggregate health snapshot. It returns 200 when all
// components are up and 503 otherwise.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if !r.Healthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	})
}
