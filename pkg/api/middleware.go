package api

import (
	"crypto/subtle"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nekro-agent/relay/pkg/config"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// accessKey returns middleware that gates requests on the live access
// key. The key arrives in the X-Access-Key header, or in the access_key
// query parameter for stream connects where custom headers are awkward.
// An empty configured key disables gating. The check runs before any
// state mutation, so a rejected request leaves no trace.
func accessKey(dynamic *config.Dynamic) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			want := dynamic.AccessKey()
			if want == "" {
				return next(c)
			}
			got := c.Request().Header.Get("X-Access-Key")
			if got == "" {
				got = c.QueryParam("access_key")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid access key")
			}
			return next(c)
		}
	}
}
