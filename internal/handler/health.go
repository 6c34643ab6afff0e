package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"risk-gateway/internal/config"
	"risk-gateway/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status      string          `json:"status"`
	Version     string          `json:"version"`
	UpstreamURL string          `json:"upstream_url"`
	ProxyPrefix string          `json:"proxy_prefix"`
	Rewrite     string          `json:"rewrite"`
	Services    []service.Probe `json:"services"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	status  *service.StatusService
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, status *service.StatusService) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, status: status}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports gateway settings and probes the upstream and any configured
// services. The gateway is "degraded" when the upstream probe is not online.
func (h *HealthHandler) Status(c echo.Context) error {
	probes := h.status.Check(c.Request().Context())

	overall := "ok"
	if len(probes) > 0 && probes[0].State != service.StateOnline {
		overall = "degraded"
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:      overall,
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL().String(),
		ProxyPrefix: h.cfg.Proxy.Prefix,
		Rewrite:     h.cfg.Proxy.Rule().String(),
		Services:    probes,
	})
}
