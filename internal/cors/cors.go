// Package cors applies the gateway's fixed cross-origin header set.
package cors

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// LinksHeader is the pagination header exposed to browser clients.
const LinksHeader = "Links"

// DefaultMaxAge is the preflight cache lifetime in seconds.
const DefaultMaxAge = 86400

// Policy holds the static CORS header template. It is read-only after New
// and safe for concurrent use.
type Policy struct {
	header http.Header
}

// New creates a Policy. A non-positive maxAge selects DefaultMaxAge.
func New(maxAge int) *Policy {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	h := make(http.Header)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
	h.Set("Access-Control-Allow-Methods", "DELETE, GET, OPTIONS, POST, PUT")
	h.Set("Access-Control-Expose-Headers", LinksHeader)
	h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	h.Set("Allow", "HEAD, GET, POST, OPTIONS")
	h.Set("Strict-Transport-Security", "max-age=31536000")
	h.Set("Vary", "Origin")

	return &Policy{header: h}
}

// Decorate sets the static header set on dst, replacing any existing values,
// and echoes origin as Access-Control-Allow-Origin. An empty origin leaves
// Access-Control-Allow-Origin unset.
func (p *Policy) Decorate(dst http.Header, origin string) {
	for key, vals := range p.header {
		dst[key] = append([]string(nil), vals...)
	}
	if origin != "" {
		dst.Set(echo.HeaderAccessControlAllowOrigin, origin)
	} else {
		dst.Del(echo.HeaderAccessControlAllowOrigin)
	}
}

// Preflight answers an OPTIONS request. The response has no body.
func (p *Policy) Preflight(c echo.Context) error {
	h := c.Response().Header()
	p.Decorate(h, c.Request().Header.Get(echo.HeaderOrigin))
	h.Set(echo.HeaderContentLength, "0")
	return c.NoContent(http.StatusOK)
}

// Middleware decorates every response just before its status line is written,
// whichever handler or error path produced it.
func (p *Policy) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get(echo.HeaderOrigin)
			res := c.Response()
			res.Before(func() {
				p.Decorate(res.Header(), origin)
			})
			return next(c)
		}
	}
}
