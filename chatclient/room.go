package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/protocol"
	"github.com/xiaot623/supportdesk/internal/transport"
)

// ErrRoomClosed is returned once the room connection has gone away.
var ErrRoomClosed = errors.New("room connection closed")

// EventHandler receives room events in arrival order.
type EventHandler func(protocol.Event)

// Room is a websocket connection to the gateway's room endpoint.
type Room struct {
	conn         *websocket.Conn
	connectionID string
	onEvent      EventHandler

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan protocol.ErrorMessage
	err     error

	done chan struct{}
}

// DialRoom connects to the room endpoint at addr as principal and waits for
// the server's hello. onEvent may be nil.
func DialRoom(ctx context.Context, addr string, principal domain.Principal, onEvent EventHandler) (*Room, error) {
	header := http.Header{}
	header.Set(transport.HeaderPrincipalID, principal.ID)
	header.Set(transport.HeaderPrincipalRole, string(principal.Role))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var hello protocol.HelloMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != protocol.TypeHello {
		conn.Close()
		return nil, fmt.Errorf("expected hello, got: %s", hello.Type)
	}

	r := &Room{
		conn:         conn,
		connectionID: hello.ConnectionID,
		onEvent:      onEvent,
		waiters:      make(map[string]chan protocol.ErrorMessage),
		done:         make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// ConnectionID is the id the server assigned to this connection.
func (r *Room) ConnectionID() string {
	return r.connectionID
}

// Done is closed when the connection ends.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Err returns why the connection ended, once Done is closed.
func (r *Room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Join subscribes to a session's events and waits for the server's answer.
func (r *Room) Join(ctx context.Context, sessionID string) error {
	return r.request(ctx, protocol.TypeJoin, sessionID)
}

// Leave unsubscribes from a session's events.
func (r *Room) Leave(ctx context.Context, sessionID string) error {
	return r.request(ctx, protocol.TypeLeave, sessionID)
}

// Close closes the connection.
func (r *Room) Close() error {
	r.writeMu.Lock()
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	return r.conn.Close()
}

// request sends a frame and waits for the reply carrying the same request id.
func (r *Room) request(ctx context.Context, typ, sessionID string) error {
	requestID := uuid.New().String()
	reply := make(chan protocol.ErrorMessage, 1)

	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.waiters[requestID] = reply
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, requestID)
		r.mu.Unlock()
	}()

	msg := protocol.BaseMessage{Type: typ, Ts: protocol.Now(), SessionID: sessionID, RequestID: requestID}
	r.writeMu.Lock()
	err := r.conn.WriteJSON(msg)
	r.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}

	select {
	case resp := <-reply:
		if resp.Type == protocol.TypeError {
			return classify(domain.Kind(resp.Code), resp.Message)
		}
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) readLoop() {
	defer close(r.done)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			return
		}

		// The error frame is a superset of the reply frames.
		var frame protocol.ErrorMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case protocol.TypeMessage, protocol.TypeSessionClosed:
			if r.onEvent == nil {
				continue
			}
			var ev protocol.Event
			if err := json.Unmarshal(data, &ev); err == nil {
				r.onEvent(ev)
			}
		case protocol.TypeJoined, protocol.TypeLeft, protocol.TypePong, protocol.TypeError:
			r.mu.Lock()
			reply, ok := r.waiters[frame.RequestID]
			r.mu.Unlock()
			if ok {
				reply <- frame
			}
		}
	}
}
