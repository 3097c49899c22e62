package middleware_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"imagery-gateway/internal/config"
	"imagery-gateway/internal/middleware"
)

func newLimitedEcho(rps float64) *echo.Echo {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.Use(middleware.RateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: rps}, logger))
	e.Any("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestRateLimiter_Enabled(t *testing.T) {
	// 1 request per second with a burst of 1, so a quick second request is rejected.
	e := newLimitedEcho(1)

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	got429 := false
	for range 10 {
		req = httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			if rec.Body.String() != "Too Many Requests" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "Too Many Requests")
			}
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	e := newLimitedEcho(1)

	for _, ip := range []string{"192.0.2.1:1000", "192.0.2.2:1000"} {
		req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
		req.RemoteAddr = ip
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", ip, rec.Code, http.StatusOK)
		}
	}
}

func TestRateLimiter_SkipsPreflight(t *testing.T) {
	e := newLimitedEcho(1)

	for i := range 5 {
		req := httptest.NewRequest(http.MethodOptions, "/test", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("preflight %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}
