package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imagery-gateway/internal/config"
	"imagery-gateway/internal/cors"
	"imagery-gateway/internal/metrics"
	"imagery-gateway/internal/service"
)

// scenesPrefix is the path prefix of the intercepted scene-search route.
const scenesPrefix = "/v0/scenes/"

// Route identifies which pipeline serves a request.
type Route int

const (
	RoutePassthrough Route = iota
	RoutePreflight
	RouteSceneSearch
)

func (r Route) String() string {
	switch r {
	case RoutePreflight:
		return "preflight"
	case RouteSceneSearch:
		return "scene_search"
	default:
		return "passthrough"
	}
}

// Classify picks the route for a request. OPTIONS is always a preflight. A
// scene search needs both the /v0/scenes/ prefix and format=geobuf; anything
// else is passed through.
func Classify(method, path string, query url.Values) Route {
	if method == http.MethodOptions {
		return RoutePreflight
	}
	if query.Get("format") == service.FormatGeobuf && strings.HasPrefix(path, scenesPrefix) {
		return RouteSceneSearch
	}
	return RoutePassthrough
}

// RouteLabel classifies r for request metrics.
func RouteLabel(r *http.Request) string {
	return Classify(r.Method, r.URL.Path, r.URL.Query()).String()
}

// Dispatcher sends each request on the main listener to its pipeline.
type Dispatcher struct {
	cors   *cors.Policy
	scenes *SceneHandler
	proxy  *ProxyHandler
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(p *cors.Policy, scenes *SceneHandler, proxy *ProxyHandler) *Dispatcher {
	return &Dispatcher{cors: p, scenes: scenes, proxy: proxy}
}

// Dispatch runs the handler chosen by Classify.
func (d *Dispatcher) Dispatch(c echo.Context) error {
	req := c.Request()
	switch Classify(req.Method, req.URL.Path, req.URL.Query()) {
	case RoutePreflight:
		return d.cors.Preflight(c)
	case RouteSceneSearch:
		return d.scenes.Handle(c)
	default:
		return d.proxy.Handle(c)
	}
}

// RegisterRoutes wires the dispatcher as the only route of the main listener.
// Any covers the methods echo knows; the not-found routes catch the rest so
// that arbitrary methods are still proxied.
func RegisterRoutes(e *echo.Echo, d *Dispatcher) {
	for _, path := range []string{"/", "/*"} {
		e.Any(path, d.Dispatch)
		e.RouteNotFound(path, d.Dispatch)
	}
}

// RegisterAdminRoutes wires health, status and metrics onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
