// Package hub provides room-scoped fan-out to live client connections.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/metrics"
	"github.com/xiaot623/supportdesk/internal/protocol"
)

// DefaultSendBuffer is the per-connection outbound queue length.
const DefaultSendBuffer = 256

// Connection is one live client connection. Frames queued on Send are
// written by the transport; Send is closed when the hub drops the connection.
type Connection struct {
	ID        string
	Principal domain.Principal
	Send      chan []byte

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

// trySend queues data without blocking.
func (c *Connection) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Rooms returns the sessions the connection has joined.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Closed reports whether the hub has dropped the connection.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// roomMessage is a serialized event addressed to one room.
type roomMessage struct {
	SessionID string
	Data      []byte
	Except    string
}

// Hub manages connections and the rooms they joined.
type Hub struct {
	logger zerolog.Logger

	// Connections indexed by connection ID
	connections map[string]*Connection

	// Rooms maps session_id to the set of joined connection IDs
	rooms map[string]map[string]struct{}

	broadcast  chan roomMessage
	sendBuffer int

	mu sync.RWMutex
}

// Option configures a Hub.
type Option func(*Hub)

// WithSendBuffer sets the per-connection queue length.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// NewHub creates a new Hub. Run must be started for published events to be delivered.
func NewHub(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:      logger.With().Str("component", "hub").Logger(),
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]struct{}),
		broadcast:   make(chan roomMessage, 1024),
		sendBuffer:  DefaultSendBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run fans queued events out to room members until ctx is done, then drops
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg roomMessage) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.rooms[msg.SessionID]))
	for connID := range h.rooms[msg.SessionID] {
		if connID == msg.Except {
			continue
		}
		if conn, ok := h.connections[connID]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.trySend(msg.Data); errors.Is(err, ErrBufferFull) {
			h.logger.Warn().Str("connection_id", conn.ID).Str("session_id", msg.SessionID).
				Msg("connection buffer full, dropping")
			metrics.SlowConnectionsDropped.Inc()
			h.Unregister(conn)
		}
	}
}

// NewConnection creates a connection for principal. It is not registered yet.
func (h *Hub) NewConnection(principal domain.Principal) *Connection {
	return &Connection{
		ID:        uuid.New().String(),
		Principal: principal,
		Send:      make(chan []byte, h.sendBuffer),
		rooms:     make(map[string]struct{}),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	h.logger.Debug().Str("connection_id", conn.ID).Str("principal_id", conn.Principal.ID).Msg("connection registered")
}

// Unregister removes a connection from every room and closes its queue. Idempotent.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.ID)
	for _, sessionID := range conn.Rooms() {
		h.removeMemberLocked(sessionID, conn.ID)
	}
	h.mu.Unlock()

	conn.close()
	metrics.WSConnections.Dec()
	h.logger.Debug().Str("connection_id", conn.ID).Msg("connection unregistered")
}

// Join subscribes a connection to a session's room. Idempotent.
func (h *Hub) Join(connectionID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]struct{})
	}
	h.rooms[sessionID][connectionID] = struct{}{}

	conn.mu.Lock()
	conn.rooms[sessionID] = struct{}{}
	conn.mu.Unlock()
	return nil
}

// Leave unsubscribes a connection from a session's room. Idempotent, and a
// no-op for unknown connections.
func (h *Hub) Leave(connectionID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeMemberLocked(sessionID, connectionID)
	if conn, ok := h.connections[connectionID]; ok {
		conn.mu.Lock()
		delete(conn.rooms, sessionID)
		conn.mu.Unlock()
	}
}

func (h *Hub) removeMemberLocked(sessionID, connectionID string) {
	members := h.rooms[sessionID]
	if members == nil {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(h.rooms, sessionID)
	}
}

// Publish serializes event and queues it for every member of the session's
// room except exceptConnectionID. It never waits on a slow connection.
func (h *Hub) Publish(ctx context.Context, sessionID string, event protocol.Event, exceptConnectionID string) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.Broadcast(ctx, sessionID, data, exceptConnectionID)
}

// Broadcast queues a pre-serialized frame for a room.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, data []byte, exceptConnectionID string) error {
	select {
	case h.broadcast <- roomMessage{SessionID: sessionID, Data: data, Except: exceptConnectionID}:
		return nil
	case <-ctx.Done():
		return domain.Wrap(domain.ErrUnavailable, ctx.Err())
	}
}

// SendToConnection queues data for a single connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	return conn.trySend(data)
}

// SendJSONToConnection queues a JSON frame for a single connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Members returns the connection IDs joined to a session's room.
func (h *Hub) Members(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[sessionID]))
	for id := range h.rooms[sessionID] {
		out = append(out, id)
	}
	return out
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.connections = make(map[string]*Connection)
	h.rooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
		metrics.WSConnections.Dec()
	}
}

var (
	// ErrBufferFull is returned when a connection's send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned when sending to a dropped connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnknownConnection is returned when joining with an unregistered connection.
	ErrUnknownConnection = errors.New("unknown connection")
)
