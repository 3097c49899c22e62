package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"imagery-gateway/internal/model"
	"imagery-gateway/internal/service"
)

// proxyError is the body sent when the upstream cannot be reached.
const proxyError = "Proxy Error"

const copyBufferSize = 32 * 1024

// ProxyHandler forwards every other request to the upstream imagery API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the response back with the
// upstream status and headers.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is gone; a failure from here on can only be signaled by
	// cutting the client connection.
	if err := copyFlush(c.Response(), resp.Body); err != nil {
		if errors.Is(req.Context().Err(), context.Canceled) {
			h.logger.Debug("client went away mid-stream", "path", req.URL.Path)
		} else {
			h.logger.Error("streaming response body",
				"err", err,
				"path", req.URL.Path,
			)
		}
		panic(http.ErrAbortHandler)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client went away before upstream answered", "path", c.Request().URL.Path)
	} else {
		h.logger.Error("proxy error",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return c.String(http.StatusInternalServerError, proxyError)
}

// copyFlush copies src to dst, flushing after every chunk so streamed
// responses reach the client as they arrive.
func copyFlush(dst *echo.Response, src io.Reader) error {
	rc := http.NewResponseController(dst.Writer)
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
