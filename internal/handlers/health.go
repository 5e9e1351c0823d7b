package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clasak/compassiq/pkg/health"
)

// RegisterHealth registers the probe and metrics routes, which need no session.
func RegisterHealth(e *echo.Echo, checker *health.Checker) {
	e.GET("/api/v1/health", checker.HealthHandler)
	e.GET("/api/v1/health/live", checker.LivenessHandler)
	e.GET("/api/v1/health/ready", checker.ReadinessHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
