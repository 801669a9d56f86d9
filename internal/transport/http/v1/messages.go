package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/service"
	"github.com/xiaot623/supportdesk/internal/transport"
)

// GetSessionMessages returns the session status and full ordered log.
// GET /v1/sessions/:session_id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	p, ok, err := principal(c)
	if !ok {
		return err
	}
	history, err := h.service.History(c.Request().Context(), p, c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// AppendMessage appends a message to a session.
// POST /v1/sessions/:session_id/messages
// POST /v1/messages
func (h *Handler) AppendMessage(c echo.Context) error {
	p, ok, err := principal(c)
	if !ok {
		return err
	}
	var req domain.AppendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	sessionID := c.Param("session_id")
	switch {
	case sessionID == "":
		sessionID = req.SessionID
	case req.SessionID != "" && req.SessionID != sessionID:
		return badRequest(c, "sessionId does not match the path")
	}
	if sessionID == "" {
		return badRequest(c, "sessionId is required")
	}

	key := req.ClientMessageID
	if key == "" {
		key = c.Request().Header.Get(transport.HeaderIdempotencyKey)
	}

	res, err := h.service.AppendMessage(c.Request().Context(), p, service.AppendRequest{
		SessionID:          sessionID,
		SenderID:           req.SenderID,
		Content:            req.Content,
		IsBot:              req.IsBot,
		IdempotencyKey:     key,
		OriginConnectionID: c.Request().Header.Get(transport.HeaderConnectionID),
	})
	if err != nil {
		return errorJSON(c, err)
	}
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	return c.JSON(status, res.Message)
}
