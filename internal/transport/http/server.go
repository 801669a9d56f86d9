// Package http assembles the gateway's HTTP server.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xiaot623/supportdesk/internal/service"
	v1 "github.com/xiaot623/supportdesk/internal/transport/http/v1"
	"github.com/xiaot623/supportdesk/internal/transport/ws"
)

// NewServer creates and configures the gateway HTTP server: the v1 API, the
// websocket endpoint, health and metrics.
func NewServer(svc *service.Service, wsServer *ws.Server, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(RequestLogger(logger.With().Str("component", "http").Logger()))
	e.Use(middleware.CORS())

	// Handlers
	var rooms v1.RoomStats
	if wsServer != nil {
		rooms = wsServer.Hub()
		e.GET("/ws", wsServer.Handle)
	}
	v1Handler := v1.NewHandler(svc, rooms)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
