package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"imagery-gateway/internal/config"
	"imagery-gateway/internal/cors"
	"imagery-gateway/internal/metrics"
	"imagery-gateway/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		want   Route
	}{
		{"preflight anywhere", http.MethodOptions, "/v1/orders", RoutePreflight},
		{"preflight on scene route", http.MethodOptions, "/v0/scenes/ortho?format=geobuf", RoutePreflight},
		{"scene search", http.MethodGet, "/v0/scenes/ortho?format=geobuf", RouteSceneSearch},
		{"scene search with extra params", http.MethodGet, "/v0/scenes/ortho?count=10&format=geobuf", RouteSceneSearch},
		{"scene search without type", http.MethodGet, "/v0/scenes/?format=geobuf", RouteSceneSearch},
		{"scene search via POST", http.MethodPost, "/v0/scenes/ortho?format=geobuf", RouteSceneSearch},
		{"first format value wins", http.MethodGet, "/v0/scenes/ortho?format=geobuf&format=json", RouteSceneSearch},
		{"json format", http.MethodGet, "/v0/scenes/ortho?format=json", RoutePassthrough},
		{"second format value ignored", http.MethodGet, "/v0/scenes/ortho?format=json&format=geobuf", RoutePassthrough},
		{"no format", http.MethodGet, "/v0/scenes/ortho", RoutePassthrough},
		{"other version", http.MethodGet, "/v1/scenes/ortho?format=geobuf", RoutePassthrough},
		{"prefix without slash", http.MethodGet, "/v0/scenes?format=geobuf", RoutePassthrough},
		{"root", http.MethodGet, "/", RoutePassthrough},
		{"custom method", "PURGE", "/cache", RoutePassthrough},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.target)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.target, err)
			}
			if got := Classify(tt.method, u.Path, u.Query()); got != tt.want {
				t.Errorf("Classify(%s %s) = %v, want %v", tt.method, tt.target, got, tt.want)
			}
		})
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		method string
		target string
		want   string
	}{
		{http.MethodOptions, "/x", "preflight"},
		{http.MethodGet, "/v0/scenes/ortho?format=geobuf", "scene_search"},
		{http.MethodGet, "/v0/scenes/ortho", "passthrough"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.target, http.NoBody)
		if got := RouteLabel(req); got != tt.want {
			t.Errorf("RouteLabel(%s %s) = %q, want %q", tt.method, tt.target, got, tt.want)
		}
	}
}

// newTestGateway wires the main listener the way the binary does, with a fake
// searcher and a real upstream for passthrough traffic.
func newTestGateway(t *testing.T, upstream *httptest.Server, fs *fakeSearcher) *echo.Echo {
	t.Helper()
	policy := cors.New(0)
	scenes := NewSceneHandler(fs, discardLogger(), nil)
	proxy := newTestProxyHandler(t, upstream.URL)

	e := echo.New()
	e.Use(policy.Middleware())
	RegisterRoutes(e, NewDispatcher(policy, scenes, proxy))
	return e
}

func TestDispatch(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Header().Set("X-Upstream-Method", r.Method)
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = io.WriteString(w, "upstream:"+r.URL.RequestURI())
	}))
	defer upstream.Close()

	fs := &fakeSearcher{page: &model.Page{Data: []byte{0x0a, 0x00}, NextLink: "https://api.example.com/n"}}
	e := newTestGateway(t, upstream, fs)

	tests := []struct {
		name         string
		method       string
		target       string
		wantStatus   int
		wantBody     string
		wantUpstream bool
		wantSearch   bool
	}{
		{"preflight", http.MethodOptions, "/v1/orders", http.StatusOK, "", false, false},
		{"preflight on scene route", http.MethodOptions, "/v0/scenes/ortho?format=geobuf", http.StatusOK, "", false, false},
		{"scene search", http.MethodGet, "/v0/scenes/ortho?format=geobuf", http.StatusOK, "\x0a\x00", false, true},
		{"json scenes proxied", http.MethodGet, "/v0/scenes/ortho?format=json", http.StatusOK, "upstream:/v0/scenes/ortho?format=json", true, false},
		{"root proxied", http.MethodGet, "/", http.StatusOK, "upstream:/", true, false},
		{"delete proxied", http.MethodDelete, "/v1/orders/7", http.StatusOK, "upstream:/v1/orders/7", true, false},
		{"custom method proxied", "PURGE", "/cache/tiles", http.StatusOK, "upstream:/cache/tiles", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hitsBefore := upstreamHits.Load()
			fs.calls = 0

			req := httptest.NewRequest(tt.method, tt.target, http.NoBody)
			req.Header.Set(echo.HeaderOrigin, "https://app.example.com")
			req.Header.Set(echo.HeaderAuthorization, "api-key abc")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if hit := upstreamHits.Load() != hitsBefore; hit != tt.wantUpstream {
				t.Errorf("upstream hit = %v, want %v", hit, tt.wantUpstream)
			}
			if searched := fs.calls > 0; searched != tt.wantSearch {
				t.Errorf("searched = %v, want %v", searched, tt.wantSearch)
			}

			// Every route carries the CORS set, overriding upstream values.
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
				t.Errorf("Access-Control-Allow-Origin = %q", got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
				t.Errorf("Access-Control-Allow-Credentials = %q", got)
			}
			if tt.wantUpstream {
				if got := rec.Header().Get("X-Upstream-Method"); got != tt.method {
					t.Errorf("X-Upstream-Method = %q, want %q", got, tt.method)
				}
			}
		})
	}
}

func TestDispatch_PreflightHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	e := newTestGateway(t, upstream, &fakeSearcher{})

	req := httptest.NewRequest(http.MethodOptions, "/anything", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	want := map[string]string{
		"Access-Control-Allow-Headers": "Accept, Authorization, Content-Type",
		"Access-Control-Allow-Methods": "DELETE, GET, OPTIONS, POST, PUT",
		"Access-Control-Max-Age":       "86400",
		"Allow":                        "HEAD, GET, POST, OPTIONS",
		"Strict-Transport-Security":    "max-age=31536000",
		"Content-Length":               "0",
	}
	for key, val := range want {
		if got := rec.Header().Get(key); got != val {
			t.Errorf("%s = %q, want %q", key, got, val)
		}
	}
	if vals := rec.Header().Values("Access-Control-Allow-Origin"); len(vals) != 0 {
		t.Errorf("Access-Control-Allow-Origin = %q, want absent without Origin", vals)
	}
}

func TestRegisterAdminRoutes(t *testing.T) {
	tests := []struct {
		name        string
		metrics     bool
		path        string
		wantStatus  int
		wantContent string
	}{
		{"healthz", true, "/healthz", http.StatusOK, `"status":"ok"`},
		{"status", true, "/status", http.StatusOK, `"version":"test"`},
		{"metrics enabled", true, "/metrics", http.StatusOK, "imagery_gateway_http_requests_in_flight"},
		{"metrics disabled", false, "/metrics", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Metrics: config.MetricsConfig{Enabled: tt.metrics, Path: "/metrics"},
			}
			e := echo.New()
			RegisterAdminRoutes(e, NewHealthHandler(cfg, "test"), cfg, metrics.New())

			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantContent != "" && !strings.Contains(rec.Body.String(), tt.wantContent) {
				t.Errorf("body does not contain %q:\n%s", tt.wantContent, rec.Body.String())
			}
		})
	}
}
