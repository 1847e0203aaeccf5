package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	// Any: the handler itself answers OPTIONS and rejects other verbs
	// with a structured 405 body.
	e.Any("/api/proxy", proxy.Handle)
}
