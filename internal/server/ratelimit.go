package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// configureRateLimiter limits each client IP to rateLimit requests per second.
func configureRateLimiter(rateLimit rate.Limit) middleware.RateLimiterConfig {
	config := middleware.DefaultRateLimiterConfig

	config.IdentifierExtractor = func(ctx echo.Context) (string, error) {
		return ctx.RealIP(), nil
	}
	config.Store = middleware.NewRateLimiterMemoryStore(rateLimit)

	return config
}
