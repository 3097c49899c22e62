package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"imagery-gateway/internal/auth"
	"imagery-gateway/internal/metrics"
	"imagery-gateway/internal/model"
	"imagery-gateway/internal/service"
	"imagery-gateway/internal/transcode"
)

// Searcher fetches one page of scenes with the caller's credential.
type Searcher interface {
	Search(ctx context.Context, cred model.Credential, q model.SceneQuery) (*model.Page, error)
}

// SceneHandler serves intercepted scene searches as compact binary pages.
type SceneHandler struct {
	search  Searcher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSceneHandler creates a SceneHandler. The metrics parameter is optional.
func NewSceneHandler(s Searcher, logger *slog.Logger, m *metrics.Metrics) *SceneHandler {
	return &SceneHandler{
		search:  s,
		logger:  logger.With("component", "scene_handler"),
		metrics: m,
	}
}

// Handle authenticates the caller, runs the search and writes the transcoded
// page with its Links header.
func (h *SceneHandler) Handle(c echo.Context) error {
	req := c.Request()

	authz := req.Header.Get(echo.HeaderAuthorization)
	cred, err := auth.ParseAuthorization(authz)
	if err != nil {
		return h.unauthorized(c, authz)
	}

	q := service.NormalizeSceneQuery(req.URL.Path, req.URL.Query())

	page, err := h.search.Search(req.Context(), cred, q)
	if err != nil {
		return h.mapError(c, err)
	}

	res, err := transcode.Encode(page, req.Header.Get(echo.HeaderAcceptEncoding))
	if err != nil {
		return h.mapError(c, err)
	}

	header := c.Response().Header()
	for key, vals := range res.Header {
		header[key] = vals
	}

	if h.metrics != nil {
		h.metrics.ScenePages.WithLabelValues(res.Encoding).Inc()
		h.metrics.SceneBytes.Add(float64(len(res.Body)))
	}

	h.logger.Debug("scene page",
		"type", q.Type(),
		"encoding", res.Encoding,
		"bytes", len(res.Body),
		"has_next", page.NextLink != "",
	)

	return c.Blob(http.StatusOK, transcode.ContentType, res.Body)
}

func (h *SceneHandler) unauthorized(c echo.Context, authz string) error {
	scheme := auth.Scheme(authz)
	if h.metrics != nil {
		h.metrics.AuthFailures.WithLabelValues(scheme).Inc()
	}
	h.logger.Info("rejected scene search",
		"scheme", scheme,
		"path", c.Request().URL.Path,
	)

	header := c.Response().Header()
	header.Set(echo.HeaderWWWAuthenticate, auth.Challenge)
	header.Set(echo.HeaderContentLength, "0")
	return c.NoContent(http.StatusUnauthorized)
}
