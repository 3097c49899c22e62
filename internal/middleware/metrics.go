package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"imagery-gateway/internal/metrics"
)

// RouteFunc names the pipeline that serves a request. Its result is used as a
// metrics label and must come from a small fixed set.
type RouteFunc func(r *http.Request) string

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request, labelled by the route that served it.
func MetricsMiddleware(m *metrics.Metrics, route RouteFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError has not been written yet; the central error
			// handler does that after the middleware chain unwinds.
			status := strconv.Itoa(statusCode(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			label := route(c.Request())
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, label).Inc()
			m.RequestDuration.WithLabelValues(method, status, label).Observe(duration)

			return err
		}
	}
}

func statusCode(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		if !c.Response().Committed {
			return http.StatusInternalServerError
		}
	}
	return c.Response().Status
}
