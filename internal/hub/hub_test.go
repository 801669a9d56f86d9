package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/protocol"
)

func newRunningHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(zerolog.Nop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func newRegistered(h *Hub, id string) *Connection {
	conn := h.NewConnection(domain.Principal{ID: id, Role: domain.RoleCustomer})
	h.Register(conn)
	return conn
}

func receive(t *testing.T, conn *Connection) protocol.Event {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "connection closed")
		var ev protocol.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for connection %s", conn.ID)
	}
	return protocol.Event{}
}

func assertNothing(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected frame for %s: %s", conn.ID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func messageEvent(sessionID, content string) protocol.Event {
	return protocol.NewMessageEvent(domain.Message{MessageID: "m_" + content, SessionID: sessionID, Content: content, Position: 1})
}

func TestPublishFansOutToRoomMembers(t *testing.T) {
	h := newRunningHub(t)
	a := newRegistered(h, "cust_1")
	b := newRegistered(h, "biz_1")
	outsider := newRegistered(h, "cust_2")

	require.NoError(t, h.Join(a.ID, "s1"))
	require.NoError(t, h.Join(b.ID, "s1"))
	require.NoError(t, h.Join(outsider.ID, "s2"))

	require.NoError(t, h.Publish(context.Background(), "s1", messageEvent("s1", "hello"), ""))

	for _, conn := range []*Connection{a, b} {
		ev := receive(t, conn)
		assert.Equal(t, protocol.TypeMessage, ev.Type)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "hello", ev.Message.Content)
	}
	assertNothing(t, outsider)
}

func TestPublishExcludesOriginator(t *testing.T) {
	h := newRunningHub(t)
	a := newRegistered(h, "cust_1")
	b := newRegistered(h, "biz_1")
	require.NoError(t, h.Join(a.ID, "s1"))
	require.NoError(t, h.Join(b.ID, "s1"))

	require.NoError(t, h.Publish(context.Background(), "s1", messageEvent("s1", "x"), a.ID))

	receive(t, b)
	assertNothing(t, a)
}

func TestJoinLeaveIdempotent(t *testing.T) {
	h := newRunningHub(t)
	a := newRegistered(h, "cust_1")

	require.NoError(t, h.Join(a.ID, "s1"))
	require.NoError(t, h.Join(a.ID, "s1"))
	require.NoError(t, h.Join(a.ID, "s2"))
	assert.Equal(t, []string{a.ID}, h.Members("s1"))
	assert.Equal(t, 2, h.RoomCount())
	assert.ElementsMatch(t, []string{"s1", "s2"}, a.Rooms())

	h.Leave(a.ID, "s1")
	h.Leave(a.ID, "s1")
	h.Leave("nobody", "s1")
	assert.Empty(t, h.Members("s1"))
	assert.NotEmpty(t, h.Members("s2"))

	require.NoError(t, h.Publish(context.Background(), "s1", messageEvent("s1", "gone"), ""))
	assertNothing(t, a)

	assert.ErrorIs(t, h.Join("nobody", "s1"), ErrUnknownConnection)
}

func TestUnregisterLeavesAllRooms(t *testing.T) {
	h := newRunningHub(t)
	a := newRegistered(h, "cust_1")
	require.NoError(t, h.Join(a.ID, "s1"))
	require.NoError(t, h.Join(a.ID, "s2"))

	h.Unregister(a)
	h.Unregister(a)

	assert.Equal(t, 0, h.ConnectionCount())
	assert.Equal(t, 0, h.RoomCount())
	assert.True(t, a.Closed())
	_, ok := <-a.Send
	assert.False(t, ok)
	assert.ErrorIs(t, h.SendToConnection(a, []byte("x")), ErrConnectionClosed)
}

func TestSlowConnectionIsDropped(t *testing.T) {
	h := newRunningHub(t, WithSendBuffer(1))
	slow := newRegistered(h, "cust_1")
	fast := newRegistered(h, "biz_1")
	require.NoError(t, h.Join(slow.ID, "s1"))
	require.NoError(t, h.Join(fast.ID, "s1"))

	require.NoError(t, h.Publish(context.Background(), "s1", messageEvent("s1", "one"), ""))
	receive(t, fast)
	require.NoError(t, h.Publish(context.Background(), "s1", messageEvent("s1", "two"), ""))
	receive(t, fast)

	require.Eventually(t, slow.Closed, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{fast.ID}, h.Members("s1"))
}

func TestPublishWithoutRunHonoursContext(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.broadcast = make(chan roomMessage)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Publish(ctx, "s1", messageEvent("s1", "x"), "")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
