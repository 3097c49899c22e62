package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"imagery-gateway/internal/config"
	"imagery-gateway/internal/metrics"
)

func newTestClient(t *testing.T, timeout int, m *metrics.Metrics) *UpstreamClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeout,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(cfg, logger, m)
	t.Cleanup(c.CloseIdleConnections)
	return c
}

func TestUpstreamClient_DoStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, 10, m)
	defer c.CloseIdleConnections()

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/test", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}

	if got := testutil.ToFloat64(m.UpstreamResponses.WithLabelValues("GET", "200")); got != 1 {
		t.Errorf("upstream_responses_total{GET,200} = %v, want 1", got)
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/target" {
			t.Error("redirect was followed")
		}
		http.Redirect(w, r, "/target", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/start", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/target" {
		t.Errorf("Location = %q, want %q", loc, "/target")
	}
}

func TestUpstreamClient_LeavesCompressionAlone(t *testing.T) {
	compressed := []byte{0x1f, 0x8b, 0x08, 0x00}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); ae != "" {
			t.Errorf("transport added Accept-Encoding %q", ae)
		}
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(compressed) {
		t.Errorf("body = %x, want raw %x", body, compressed)
	}
}

func TestUpstreamClient_DoStream_Error(t *testing.T) {
	m := metrics.New()
	c := newTestClient(t, 1, m)

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
	if got := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("transport")); got != 1 {
		t.Errorf("upstream_errors_total{transport} = %v, want 1", got)
	}
}

func TestUpstreamClient_DoStream_BadURL(t *testing.T) {
	c := newTestClient(t, 1, nil)

	_, err := c.DoStream(context.Background(), http.MethodGet, "://missing-scheme", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for malformed URL, got nil")
	}
}

func TestUpstreamClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, 30, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, srv.URL+"/slow", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
	if got := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("canceled")); got != 1 {
		t.Errorf("upstream_errors_total{canceled} = %v, want 1", got)
	}
}

func TestUpstreamClient_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := metrics.New()
	c := newTestClient(t, 1, m)

	start := time.Now()
	_, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, want about 1s", elapsed)
	}
	if got := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("timeout")); got != 1 {
		t.Errorf("upstream_errors_total{timeout} = %v, want 1", got)
	}
}
