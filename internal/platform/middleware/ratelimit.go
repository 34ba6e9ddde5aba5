package middleware

import (
	"net/http"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// MaxClients bounds how many per-IP limiters are kept.
	MaxClients int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10, MaxClients: 1024}
}

// RateLimit throttles requests per client IP with a token bucket. Limiters
// for the least recently seen clients are evicted past MaxClients.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultRateLimitConfig().MaxClients
	}
	clients, _ := lru.New[string, *rate.Limiter](cfg.MaxClients)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			limiter, ok := clients.Get(key)
			if !ok {
				limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize)
				clients.Add(key, limiter)
			}

			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)
			if !limiter.Allow() {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter(cfg.RequestsPerSecond)))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

func retryAfter(rps float64) int {
	if rps <= 0 {
		return 1
	}
	return int(1/rps) + 1
}
