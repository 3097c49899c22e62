// Package service implements scene searches and transparent forwarding to the
// upstream imagery API.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"imagery-gateway/internal/client"
	"imagery-gateway/internal/config"
	"imagery-gateway/internal/model"
)

// hopByHopHeaders are headers that apply to a single connection and must not
// be forwarded by proxies (RFC 9110 section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService forwards requests to the upstream unchanged apart from the
// Host and the hop-by-hop headers.
type ProxyService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body. Canceling pr.Ctx
// aborts the upstream request.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := s.upstreamURL(pr)

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target.String(), pr.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header = pr.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	RemoveHopByHop(req.Header)
	req.Host = target.Host

	req.ContentLength = pr.ContentLength
	if pr.Body == nil || pr.ContentLength == 0 {
		req.Body = http.NoBody
		req.GetBody = nil
		req.ContentLength = 0
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	RemoveHopByHop(resp.Header)
	return resp, nil
}

// upstreamURL joins the upstream base with the client's path and query. The
// escaped path and the raw query are kept byte for byte.
func (s *ProxyService) upstreamURL(pr *model.ProxyRequest) *url.URL {
	u := *s.baseURL
	base := strings.TrimSuffix(s.baseURL.Path, "/")

	u.Path = base + pr.Path
	u.RawPath = ""
	if pr.RawPath != "" {
		u.RawPath = strings.TrimSuffix(s.baseURL.EscapedPath(), "/") + pr.RawPath
	}
	u.RawQuery = pr.RawQuery
	u.ForceQuery = false
	u.Fragment = ""
	return &u
}

// RemoveHopByHop deletes hop-by-hop headers from h, including any header
// named in its Connection field.
func RemoveHopByHop(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
