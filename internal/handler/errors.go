package handler

import (
	"errors"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"

	"imagery-gateway/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// unknownError is the body of every 500 on the scene route.
const unknownError = "Unknown error"

// staleHeaders describe the upstream body encoding, which no longer applies
// once the error body has been decoded and re-serialized.
var staleHeaders = []string{
	echo.HeaderContentLength,
	echo.HeaderContentEncoding,
	"Transfer-Encoding",
}

// mapError writes the response for a failed scene search. An upstream answer
// is relayed with its status, headers and JSON body; anything else becomes a
// generic 500.
func (h *SceneHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	var rerr *service.ResponseError
	if errors.As(err, &rerr) {
		h.logger.Error("upstream rejected scene search",
			"path", path,
			"status", rerr.StatusCode,
			"err", err,
		)
		return h.writeUpstreamError(c, rerr)
	}

	h.logger.Error("scene search failed",
		"path", path,
		"status", http.StatusInternalServerError,
		"err", err,
	)
	return c.String(http.StatusInternalServerError, unknownError)
}

func (h *SceneHandler) writeUpstreamError(c echo.Context, rerr *service.ResponseError) error {
	var body []byte
	if rerr.Body != nil {
		b, err := json.Marshal(rerr.Body)
		if err != nil {
			h.logger.Error("re-encode upstream error body", "err", err)
			return c.String(http.StatusInternalServerError, unknownError)
		}
		body = b
	}

	header := c.Response().Header()
	for key, vals := range rerr.Header {
		header[key] = append([]string(nil), vals...)
	}
	service.RemoveHopByHop(header)
	for _, key := range staleHeaders {
		header.Del(key)
	}
	if body != nil && header.Get(echo.HeaderContentType) == "" {
		header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	header.Set(echo.HeaderContentLength, strconv.Itoa(len(body)))

	c.Response().WriteHeader(rerr.StatusCode)
	if len(body) > 0 {
		if _, err := c.Response().Write(body); err != nil {
			h.logger.Debug("write upstream error body", "err", err)
		}
	}
	return nil
}
