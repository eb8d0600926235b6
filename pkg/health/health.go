// Package health reports whether fern and the stores it depends on are usable.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/queue"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// QueueReader is the part of the job queue the checker reads.
type QueueReader interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*queue.Stats, error)
}

// CircuitReader reports whether the AI circuit is rejecting work.
type CircuitReader interface {
	IsOpen(ctx context.Context) bool
}

// Pinger is any optional dependency with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Response is the body of a health check
type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// SystemStatus is the job system summary served by GET /jobs/status.
type SystemStatus struct {
	RedisConnected     bool         `json:"redis_connected"`
	CircuitBreakerOpen bool         `json:"circuit_breaker_open"`
	QueueStats         *queue.Stats `json:"queue_stats"`
	Timestamp          time.Time    `json:"timestamp"`
}

// Checker provides health check functionality
type Checker struct {
	queue     QueueReader
	breaker   CircuitReader
	optional  map[string]Pinger
	startTime time.Time
	version   string
	timeout   time.Duration
	now       func() time.Time
	mu        sync.RWMutex
	ready     bool
}

// NewChecker creates a new health checker
func NewChecker(q QueueReader, breaker CircuitReader, version string) *Checker {
	return &Checker{
		queue:     q,
		breaker:   breaker,
		optional:  map[string]Pinger{},
		startTime: time.Now(),
		version:   version,
		timeout:   2 * time.Second,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for timestamps.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// AddCheck registers a dependency whose failure degrades, but does not fail, readiness.
func (c *Checker) AddCheck(name string, p Pinger) {
	c.optional[name] = p
}

// SetReady marks the service as ready to receive traffic
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns whether the service is ready
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// System builds the job system summary. Queue stats are nil when Redis is unreachable.
func (c *Checker) System(ctx context.Context) SystemStatus {
	status := SystemStatus{
		CircuitBreakerOpen: c.breaker.IsOpen(ctx),
		Timestamp:          c.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.queue.Ping(ctx); err != nil {
		return status
	}
	status.RedisConnected = true

	stats, err := c.queue.Stats(ctx)
	if err != nil {
		status.RedisConnected = false
		return status
	}
	status.QueueStats = stats
	return status
}

// SystemHandler serves the job system summary, 503 when Redis is down.
func (c *Checker) SystemHandler(ctx echo.Context) error {
	status := c.System(ctx.Request().Context())
	if !status.RedisConnected {
		return ctx.JSON(http.StatusServiceUnavailable, status)
	}
	return ctx.JSON(http.StatusOK, status)
}

// LivenessHandler returns the liveness handler
// Liveness: Is the process running and not deadlocked?
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Response{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		ReportedAt: c.now().UTC(),
	})
}

// ReadinessHandler returns the readiness handler
// Readiness: Is the service ready to accept traffic?
func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			Version:    c.version,
			ReportedAt: c.now().UTC(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
			},
		})
	}

	checks := c.runChecks(ctx.Request().Context())
	overall := calculateOverallStatus(checks)

	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	return ctx.JSON(code, Response{
		Status:     overall,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     checks,
		ReportedAt: c.now().UTC(),
	})
}

func (c *Checker) runChecks(ctx context.Context) map[string]CheckResult {
	checks := map[string]CheckResult{
		"redis": c.ping(ctx, c.queue, StatusUnhealthy),
	}

	circuit := CheckResult{Status: StatusHealthy}
	if c.breaker.IsOpen(ctx) {
		circuit = CheckResult{Status: StatusDegraded, Message: "ai circuit is open"}
	}
	checks["ai_circuit"] = circuit

	for name, p := range c.optional {
		checks[name] = c.ping(ctx, p, StatusDegraded)
	}
	return checks
}

func (c *Checker) ping(ctx context.Context, p Pinger, failed Status) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return CheckResult{
			Status:  failed,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Latency: time.Since(start).String(),
	}
}

func calculateOverallStatus(checks map[string]CheckResult) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// RegisterRoutes registers the Kubernetes-style health checks.
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	health := e.Group("/health")
	health.GET("/live", c.LivenessHandler)
	health.GET("/ready", c.ReadinessHandler)
}
