package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Health report states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// DefaultCriticalComponents must report healthy before the node is ready.
var DefaultCriticalComponents = []string{"datastore", "jobs", "api"}

// Report is the JSON document served by the health endpoints.
type Report struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type component struct {
	healthy bool
	message string
	since   time.Time
}

func (c component) describe(ok string) string {
	if c.healthy {
		return ok
	}
	if c.message == "" {
		return StatusUnhealthy
	}
	return StatusUnhealthy + ": " + c.message
}

// registry holds the last reported state of every middlewared component.
type registry struct {
	mu         sync.RWMutex
	components map[string]component
	critical   []string
	version    string
	started    time.Time
}

var health = newRegistry()

func newRegistry() *registry {
	return &registry{
		components: make(map[string]component),
		critical:   DefaultCriticalComponents,
		started:    time.Now(),
	}
}

func (r *registry) report(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.components[name]
	since := time.Now()
	if ok && prev.healthy == healthy {
		since = prev.since
	}
	r.components[name] = component{healthy: healthy, message: message, since: since}
	if healthy {
		ComponentHealthy.WithLabelValues(name).Set(1)
	} else {
		ComponentHealthy.WithLabelValues(name).Set(0)
	}
}

func (r *registry) newReport(status string) Report {
	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

// SetCriticalComponents replaces the list of components readiness waits for.
func SetCriticalComponents(names ...string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.critical = names
}

// SetVersion sets the version reported by the health endpoints.
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterComponent records the initial state of a component.
func RegisterComponent(name string, healthy bool, message string) {
	health.report(name, healthy, message)
}

// UpdateComponent records a state change of a component.
func UpdateComponent(name string, healthy bool, message string) {
	health.report(name, healthy, message)
}

// GetHealth is unhealthy as soon as one registered component is.
func GetHealth() Report {
	health.mu.RLock()
	defer health.mu.RUnlock()

	rep := health.newReport(StatusHealthy)
	var failing []string
	for name, c := range health.components {
		rep.Components[name] = c.describe(StatusHealthy)
		if !c.healthy {
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		rep.Status = StatusUnhealthy
		rep.Message = "failing: " + failing[0]
	}
	return rep
}

// GetReadiness is ready once every critical component is registered and
// healthy. Message names the first one still missing.
func GetReadiness() Report {
	health.mu.RLock()
	defer health.mu.RUnlock()

	rep := health.newReport(StatusReady)
	for _, name := range health.critical {
		c, ok := health.components[name]
		switch {
		case !ok:
			rep.Components[name] = "not registered"
		case c.healthy:
			rep.Components[name] = StatusReady
			continue
		default:
			rep.Components[name] = c.describe(StatusReady)
		}
		if rep.Status == StatusReady {
			rep.Status = StatusNotReady
			rep.Message = "waiting for " + name
		}
	}
	return rep
}

// HealthHandler serves GetHealth, with 503 while any component is unhealthy.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := GetHealth()
		code := http.StatusOK
		if rep.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(rep)
	}
}
