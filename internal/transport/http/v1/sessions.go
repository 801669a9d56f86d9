package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// CreateSession opens a session.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	p, ok, err := principal(c)
	if !ok {
		return err
	}
	var req domain.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	session, err := h.service.CreateSession(c.Request().Context(), p, req.CustomerID, req.BusinessID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// ListSessions lists the sessions visible to the caller.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	p, ok, err := principal(c)
	if !ok {
		return err
	}
	sessions, err := h.service.ListSessions(c.Request().Context(), p)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, domain.ListSessionsResponse{Sessions: sessions})
}

// GetSession returns one session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	p, ok, err := principal(c)
	if !ok {
		return err
	}
	session, err := h.service.GetSession(c.Request().Context(), p, c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// CloseSession closes a session.
// PATCH /v1/sessions/:session_id/close
func (h *Handler) CloseSession(c echo.Context) error {
	p, ok, err := principal(c)
	if !ok {
		return err
	}
	session, err := h.service.CloseSession(c.Request().Context(), p, c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, session)
}
