package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CORS header values. The proxy exists to add permissive cross-origin
// headers the CDN omits, so they go on every response, errors included —
// a browser caller must always get a readable error rather than an opaque
// network failure.
const (
	allowOrigin   = "*"
	allowMethods  = "GET, OPTIONS"
	allowHeaders  = "Origin, Content-Type, Accept, Range, Cache-Control, If-None-Match, If-Modified-Since"
	exposeHeaders = "Content-Type, Content-Length, Content-Range, Accept-Ranges, ETag, Last-Modified, Cache-Control"
	maxAge        = "86400"
)

// CORS returns an Echo middleware that attaches permissive cross-origin
// headers to every response and short-circuits OPTIONS preflights with an
// empty 204 before any upstream work happens.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, allowOrigin)
			h.Set(echo.HeaderAccessControlAllowMethods, allowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, allowHeaders)
			h.Set(echo.HeaderAccessControlExposeHeaders, exposeHeaders)
			h.Set(echo.HeaderAccessControlMaxAge, maxAge)

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}
