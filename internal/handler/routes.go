package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"risk-gateway/internal/config"
	"risk-gateway/internal/metrics"
	"risk-gateway/internal/static"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Anything not
// matched by a more specific route falls through to the static server.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	proxy *ProxyHandler,
	health *HealthHandler,
	spa *static.Server,
	m *metrics.Metrics,
) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	prefix := cfg.Proxy.Prefix
	e.Any(prefix, proxy.Handle)
	e.Any(prefix+"/*", proxy.Handle)

	e.Match([]string{http.MethodGet, http.MethodHead}, "/*", echo.WrapHandler(spa))
}
