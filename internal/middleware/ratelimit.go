package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"risk-gateway/internal/config"
)

// RateLimiter returns a per-client-IP rate limiter backed by an in-memory
// store. Rejected requests get 429 with a JSON error body.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	})
}

// CORS returns a CORS middleware allowing the configured origins.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
	})
}
