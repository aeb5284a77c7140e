// Package health provides liveness and readiness probes for daemon mode.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker verifies a dependency is ready to accept work.
// The container runtime implements this via its ping.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status is the probe outcome for a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's probe result.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the aggregate probe response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker probes the scheduler's dependencies. Readiness results are cached
// briefly so probe traffic does not hammer the container runtime.
type Checker struct {
	runtime ReadinessChecker
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cached       *Response
	shuttingDown bool
}

// NewChecker builds a checker over the container runtime.
func NewChecker(runtime ReadinessChecker) *Checker {
	return &Checker{
		runtime: runtime,
		timeout: 5 * time.Second,
	}
}

// Liveness reports process liveness. It never touches dependencies;
// failing it should restart the container.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness reports whether the scheduler can run jobs right now.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cached != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cached
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	result := c.checkRuntime(ctx)
	response := &Response{
		Status: result.Status,
		Checks: map[string]CheckResult{"runtime": result},
	}

	c.mu.Lock()
	c.cached = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// SetShuttingDown marks the service as draining so readiness fails fast.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()
}

func (c *Checker) checkRuntime(ctx context.Context) CheckResult {
	if c.runtime == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "container runtime not configured"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.runtime.Ready(checkCtx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
