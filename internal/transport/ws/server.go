// Package ws serves the websocket room endpoint: clients join session rooms
// and receive message and close events pushed by the gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/hub"
	"github.com/xiaot623/supportdesk/internal/metrics"
	"github.com/xiaot623/supportdesk/internal/protocol"
	"github.com/xiaot623/supportdesk/internal/transport"
)

// Joiner decides whether a principal may join a session's room.
type Joiner interface {
	AuthorizeJoin(ctx context.Context, p domain.Principal, sessionID string) error
}

// Options holds connection limits and timeouts.
type Options struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	// RateLimit is the sustained client frames per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = o.PingInterval * 2
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = int(o.RateLimit) + 1
	}
	return o
}

// Server handles websocket connections.
type Server struct {
	opts     Options
	hub      *hub.Hub
	joiner   Joiner
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new websocket server.
func NewServer(opts Options, h *hub.Hub, joiner Joiner, logger zerolog.Logger) *Server {
	return &Server{
		opts:   opts.withDefaults(),
		hub:    h,
		joiner: joiner,
		logger: logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Identity comes from the auth proxy headers, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub returns the hub connections are registered with.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Handle authenticates the caller, upgrades the connection and starts its pumps.
func (s *Server) Handle(c echo.Context) error {
	principal, err := transport.PrincipalFromRequest(c.Request(), true)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, domain.ErrorResponse{
			Error: domain.ErrorBody{Code: "unauthenticated", Message: err.Error()},
		})
	}

	wsConn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	conn := s.hub.NewConnection(principal)
	s.hub.Register(conn)
	wsConn.SetReadLimit(s.opts.MaxMessageSize)

	hello := protocol.HelloMessage{
		BaseMessage:  protocol.BaseMessage{Type: protocol.TypeHello, Ts: protocol.Now()},
		ConnectionID: conn.ID,
	}
	_ = s.hub.SendJSONToConnection(conn, hello)

	go s.writePump(conn, wsConn)
	go s.readPump(conn, wsConn)
	return nil
}

// readPump reads client frames until the connection fails.
func (s *Server) readPump(conn *hub.Connection, wsConn *websocket.Conn) {
	defer func() {
		s.hub.Unregister(conn)
		wsConn.Close()
	}()

	var limiter *rate.Limiter
	if s.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
	}

	_ = wsConn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("websocket read failed")
			}
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		if limiter != nil && !limiter.Allow() {
			metrics.WSRateLimited.Inc()
			s.sendError(conn, "", "", protocol.ErrorCodeRateLimited, "too many frames")
			continue
		}
		s.handleMessage(conn, data)
	}
}

// writePump drains the connection's queue and keeps it alive with pings.
func (s *Server) writePump(conn *hub.Connection, wsConn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = wsConn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				// Hub dropped the connection
				_ = wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wsConn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			_ = wsConn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches a client frame.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var msg protocol.BaseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch msg.Type {
	case protocol.TypeJoin:
		s.handleJoin(conn, msg)
	case protocol.TypeLeave:
		s.hub.Leave(conn.ID, msg.SessionID)
		s.reply(conn, protocol.TypeLeft, msg)
	case protocol.TypePing:
		s.reply(conn, protocol.TypePong, msg)
	default:
		s.sendError(conn, msg.SessionID, msg.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

func (s *Server) handleJoin(conn *hub.Connection, msg protocol.BaseMessage) {
	if msg.SessionID == "" {
		s.sendError(conn, "", msg.RequestID, protocol.ErrorCodeInvalidMessage, "sessionId is required")
		return
	}
	if err := s.joiner.AuthorizeJoin(context.Background(), conn.Principal, msg.SessionID); err != nil {
		code, message := errorCode(err)
		s.sendError(conn, msg.SessionID, msg.RequestID, code, message)
		return
	}
	if err := s.hub.Join(conn.ID, msg.SessionID); err != nil {
		// Dropped while authorizing.
		return
	}
	s.logger.Debug().Str("connection_id", conn.ID).Str("session_id", msg.SessionID).Msg("joined room")
	s.reply(conn, protocol.TypeJoined, msg)
}

func (s *Server) reply(conn *hub.Connection, typ string, req protocol.BaseMessage) {
	_ = s.hub.SendJSONToConnection(conn, protocol.BaseMessage{
		Type:      typ,
		Ts:        protocol.Now(),
		SessionID: req.SessionID,
		RequestID: req.RequestID,
	})
}

func (s *Server) sendError(conn *hub.Connection, sessionID, requestID, code, message string) {
	_ = s.hub.SendJSONToConnection(conn, protocol.NewError(sessionID, requestID, code, message))
}

// errorCode maps a service error to the frame's code and public message.
func errorCode(err error) (string, string) {
	var de *domain.Error
	if errors.As(err, &de) {
		return string(de.Kind), de.Message
	}
	return protocol.ErrorCodeInternalError, "internal error"
}
