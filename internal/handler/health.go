package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"imagery-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the admin health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	started time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, started: time.Now()}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	UpstreamURL   string    `json:"upstream_url"`
	MaxPageBytes  int64     `json:"max_page_bytes"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// Status reports the build version, upstream target and uptime.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:        "ok",
		Version:       string(h.version),
		UpstreamURL:   h.cfg.Upstream.BaseURL,
		MaxPageBytes:  h.cfg.Upstream.MaxPageBytes(),
		StartedAt:     h.started.UTC(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}
