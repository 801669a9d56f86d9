package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/hub"
	"github.com/xiaot623/supportdesk/internal/protocol"
	"github.com/xiaot623/supportdesk/internal/service"
	"github.com/xiaot623/supportdesk/internal/transport"
	"github.com/xiaot623/supportdesk/internal/transport/ws"
	"github.com/xiaot623/supportdesk/policy"
	"github.com/xiaot623/supportdesk/tests/helpers"
)

var (
	customer = domain.Principal{ID: "cust_1", Role: domain.RoleCustomer}
	business = domain.Principal{ID: "biz_1", Role: domain.RoleBusiness}
	stranger = domain.Principal{ID: "cust_2", Role: domain.RoleCustomer}
)

type harness struct {
	svc *service.Service
	url string
}

func newEnv(t *testing.T, opts ws.Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(zerolog.Nop())
	go func() { _ = h.Run(ctx) }()

	engine, err := policy.NewDefaultEngine(ctx)
	require.NoError(t, err)
	svc := service.New(helpers.NewTestSQLiteStore(t), h, engine, nil, zerolog.Nop(), service.Options{})

	e := echo.New()
	e.GET("/ws", ws.NewServer(opts, h, svc, zerolog.Nop()).Handle)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return &harness{svc: svc, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

func (e *harness) dial(t *testing.T, p domain.Principal) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(transport.HeaderPrincipalID, p.ID)
	header.Set(transport.HeaderPrincipalRole, string(p.Role))
	conn, _, err := websocket.DefaultDialer.Dial(e.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readFrame(t, conn)
	require.Equal(t, protocol.TypeHello, hello["type"])
	require.NotEmpty(t, hello["connectionId"])
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func send(t *testing.T, conn *websocket.Conn, typ, sessionID, requestID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.BaseMessage{Type: typ, SessionID: sessionID, RequestID: requestID}))
}

func TestRoomLifecycle(t *testing.T) {
	env := newEnv(t, ws.Options{})
	ctx := context.Background()
	session, err := env.svc.CreateSession(ctx, customer, customer.ID, business.ID)
	require.NoError(t, err)

	conn := env.dial(t, customer)

	send(t, conn, protocol.TypeJoin, session.SessionID, "r1")
	joined := readFrame(t, conn)
	assert.Equal(t, protocol.TypeJoined, joined["type"])
	assert.Equal(t, session.SessionID, joined["sessionId"])
	assert.Equal(t, "r1", joined["requestId"])

	_, err = env.svc.AppendMessage(ctx, business, service.AppendRequest{
		SessionID: session.SessionID,
		SenderID:  business.ID,
		Content:   "hello from support",
	})
	require.NoError(t, err)

	event := readFrame(t, conn)
	require.Equal(t, protocol.TypeMessage, event["type"])
	msg := event["message"].(map[string]any)
	assert.Equal(t, "hello from support", msg["content"])
	assert.EqualValues(t, 1, msg["position"])

	send(t, conn, protocol.TypePing, "", "p1")
	pong := readFrame(t, conn)
	assert.Equal(t, protocol.TypePong, pong["type"])
	assert.Equal(t, "p1", pong["requestId"])

	_, err = env.svc.CloseSession(ctx, business, session.SessionID)
	require.NoError(t, err)
	closed := readFrame(t, conn)
	assert.Equal(t, protocol.TypeSessionClosed, closed["type"])

	send(t, conn, protocol.TypeLeave, session.SessionID, "")
	left := readFrame(t, conn)
	assert.Equal(t, protocol.TypeLeft, left["type"])
}

func TestJoinForbidden(t *testing.T) {
	env := newEnv(t, ws.Options{})
	session, err := env.svc.CreateSession(context.Background(), customer, customer.ID, business.ID)
	require.NoError(t, err)

	conn := env.dial(t, stranger)
	send(t, conn, protocol.TypeJoin, session.SessionID, "r1")
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, frame["type"])
	assert.Equal(t, string(domain.KindForbidden), frame["code"])
	assert.Equal(t, "r1", frame["requestId"])
}

func TestJoinUnknownSession(t *testing.T) {
	env := newEnv(t, ws.Options{})
	conn := env.dial(t, customer)

	send(t, conn, protocol.TypeJoin, "missing", "")
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, frame["type"])
	assert.Equal(t, string(domain.KindNotFound), frame["code"])
}

func TestInvalidFrames(t *testing.T) {
	env := newEnv(t, ws.Options{})
	conn := env.dial(t, customer)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, frame["code"])

	send(t, conn, "shout", "", "")
	frame = readFrame(t, conn)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, frame["code"])

	send(t, conn, protocol.TypeJoin, "", "")
	frame = readFrame(t, conn)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, frame["code"])
}

func TestUnauthenticatedRejected(t *testing.T) {
	env := newEnv(t, ws.Options{})
	_, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestQueryPrincipalAccepted(t *testing.T) {
	env := newEnv(t, ws.Options{})
	conn, _, err := websocket.DefaultDialer.Dial(env.url+"?principalId=cust_1&role=customer", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, protocol.TypeHello, readFrame(t, conn)["type"])
}

func TestRateLimited(t *testing.T) {
	env := newEnv(t, ws.Options{RateLimit: 0.001, RateBurst: 1})
	conn := env.dial(t, customer)

	send(t, conn, protocol.TypePing, "", "1")
	send(t, conn, protocol.TypePing, "", "2")

	assert.Equal(t, protocol.TypePong, readFrame(t, conn)["type"])
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, frame["type"])
	assert.Equal(t, protocol.ErrorCodeRateLimited, frame["code"])
}
