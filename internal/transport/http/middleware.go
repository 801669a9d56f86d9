package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/supportdesk/internal/metrics"
)

// RequestLogger logs each request with zerolog and records request metrics.
func RequestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			latency := time.Since(start)

			metrics.HTTPRequestsTotal.WithLabelValues(req.Method, path, strconv.Itoa(res.Status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(req.Method, path).Observe(latency.Seconds())

			logger.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Dur("latency", latency).
				Str("request_id", res.Header().Get(echo.HeaderXRequestID)).
				Str("remote_addr", c.RealIP()).
				Msg("request completed")
			return nil
		}
	}
}
