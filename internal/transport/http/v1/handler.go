// Package v1 provides the HTTP handlers of the session gateway.
package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/supportdesk/internal/service"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// RoomStats exposes live room counters for the health endpoint.
type RoomStats interface {
	ConnectionCount() int
	RoomCount() int
}

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	rooms   RoomStats
}

// NewHandler creates a new handler. rooms may be nil.
func NewHandler(service *service.Service, rooms RoomStats) *Handler {
	return &Handler{
		service: service,
		rooms:   rooms,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.PATCH("/v1/sessions/:session_id/close", h.CloseSession)

	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.POST("/v1/sessions/:session_id/messages", h.AppendMessage)
	e.POST("/v1/messages", h.AppendMessage)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	resp := map[string]any{
		"status":  "healthy",
		"version": Version,
		"store":   "ok",
	}
	if h.rooms != nil {
		resp["connections"] = h.rooms.ConnectionCount()
		resp["rooms"] = h.rooms.RoomCount()
	}
	if err := h.service.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["store"] = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
