// Package middleware provides Echo middleware for logging, metrics and
// inbound request hygiene.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors are logged at warn level together with the handler error. A
// handler panic is logged before it continues up the chain, so a relay aborted
// with http.ErrAbortHandler still leaves a request line.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()

			defer func() {
				p := recover()

				req := c.Request()
				res := c.Response()
				status := responseStatus(c, err)
				if p != nil && !res.Committed {
					status = http.StatusInternalServerError
				}

				attrs := []any{
					"method", req.Method,
					"path", req.URL.Path,
					"status", status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", requestID(c),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				}
				if err != nil {
					attrs = append(attrs, "err", err)
				}
				switch {
				case p == http.ErrAbortHandler:
					attrs = append(attrs, "aborted", true)
				case p != nil:
					attrs = append(attrs, "panic", fmt.Sprint(p))
				}

				if status >= 500 || p != nil {
					logger.Warn("request", attrs...)
				} else {
					logger.Info("request", attrs...)
				}

				if p != nil {
					panic(p)
				}
			}()

			return next(c)
		}
	}
}

// responseStatus resolves the status code the client will see. When a handler
// returns an *echo.HTTPError the response has not been written yet; Echo's
// error handler writes it after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 500
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
