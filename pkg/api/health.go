package api

import (
	"net/http"
	"time"

	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	BootID    string    `json:"boot_id,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (s *Server) healthHandler(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	}
	if s.state != nil {
		resp.Version = s.state.Version()
		resp.BootID = s.state.BootID()
	}
	c.JSON(http.StatusOK, resp)
}

// readyHandler implements the /ready endpoint. The node is ready once boot
// completed, it is not shutting down and every critical component reports
// healthy.
func (s *Server) readyHandler(c *gin.Context) {
	checks := make(map[string]string)
	ready := true
	var message string

	switch {
	case s.state == nil:
		checks["system"] = "not initialized"
		ready = false
		message = "System state not initialized"
	case s.state.ShuttingDown():
		checks["system"] = "shutting down"
		ready = false
		message = "System is shutting down"
	case !s.state.Ready():
		checks["system"] = "booting"
		ready = false
		message = "Waiting for boot to complete"
	default:
		checks["system"] = "ready"
	}

	readiness := metrics.GetReadiness()
	for name, state := range readiness.Components {
		checks[name] = state
	}
	if readiness.Status != "ready" {
		ready = false
		if message == "" {
			message = readiness.Message
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
