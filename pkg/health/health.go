// Package health serves liveness, readiness and dependency health endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const checkTimeout = 5 * time.Second

// Pinger is anything that can report its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// CheckResult represents the result of a health check
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Response represents a health check response
type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

type check struct {
	name   string
	pinger Pinger
	// critical checks make the service unhealthy; the rest only degrade it.
	critical bool
}

// Checker provides health check functionality
type Checker struct {
	checks    []check
	startTime time.Time
	version   string
	mu        sync.RWMutex
	ready     bool
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
	}
}

// AddCheck registers a dependency probe. Register checks before serving traffic.
func (c *Checker) AddCheck(name string, pinger Pinger, critical bool) {
	c.checks = append(c.checks, check{name: name, pinger: pinger, critical: critical})
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

// LivenessHandler reports that the process is up.
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Response{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     c.uptime(),
		ReportedAt: time.Now(),
	})
}

// ReadinessHandler reports whether the service should receive traffic.
func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			Version:    c.version,
			ReportedAt: time.Now(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
			},
		})
	}
	return c.HealthHandler(ctx)
}

// HealthHandler runs every registered check.
func (c *Checker) HealthHandler(ctx echo.Context) error {
	checks, overall := c.Run(ctx.Request().Context())

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return ctx.JSON(statusCode, Response{
		Status:     overall,
		Version:    c.version,
		Uptime:     c.uptime(),
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

// Run executes the checks concurrently and returns their results and the overall status.
func (c *Checker) Run(ctx context.Context) (map[string]CheckResult, Status) {
	results := make([]CheckResult, len(c.checks))
	var wg sync.WaitGroup
	for i, chk := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = probe(ctx, chk.pinger)
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	checks := make(map[string]CheckResult, len(c.checks))
	for i, chk := range c.checks {
		checks[chk.name] = results[i]
		if results[i].Status == StatusHealthy {
			continue
		}
		if chk.critical {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}
	return checks, overall
}

func (c *Checker) uptime() string {
	return time.Since(c.startTime).Round(time.Second).String()
}

func probe(ctx context.Context, pinger Pinger) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := pinger.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Latency: time.Since(start).String(),
	}
}
