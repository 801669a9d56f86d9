// Package protocol defines the websocket room protocol between clients and the gateway.
package protocol

import (
	"time"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// Message types from client to gateway
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypePing  = "ping"
)

// Message types from gateway to client
const (
	TypeHello         = "hello"
	TypeJoined        = "joined"
	TypeLeft          = "left"
	TypeMessage       = string(domain.EventTypeMessage)
	TypeSessionClosed = string(domain.EventTypeSessionClosed)
	TypePong          = "pong"
	TypeError         = "error"
)

// BaseMessage contains common fields for all frames.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// HelloMessage is sent once after the upgrade.
type HelloMessage struct {
	BaseMessage
	ConnectionID string `json:"connectionId"`
}

// Event is a room broadcast: a new message or a session close.
type Event struct {
	BaseMessage
	Message *domain.Message `json:"message,omitempty"`
	Session *domain.Session `json:"session,omitempty"`
}

// ErrorMessage is sent when a client frame cannot be served.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeInternalError  = "internal_error"
)

// Now returns the frame timestamp in milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// NewMessageEvent builds the room event for an appended message.
func NewMessageEvent(msg domain.Message) Event {
	return Event{
		BaseMessage: BaseMessage{Type: TypeMessage, Ts: Now(), SessionID: msg.SessionID},
		Message:     &msg,
	}
}

// NewSessionClosedEvent builds the room event for a closed session.
func NewSessionClosedEvent(session domain.Session) Event {
	return Event{
		BaseMessage: BaseMessage{Type: TypeSessionClosed, Ts: Now(), SessionID: session.SessionID},
		Session:     &session,
	}
}

// NewError builds an error frame. code is a protocol error code or a domain.Kind.
func NewError(sessionID, requestID, code, message string) ErrorMessage {
	return ErrorMessage{
		BaseMessage: BaseMessage{Type: TypeError, Ts: Now(), SessionID: sessionID, RequestID: requestID},
		Code:        code,
		Message:     message,
	}
}
