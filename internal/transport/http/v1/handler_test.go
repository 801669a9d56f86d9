package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/service"
	"github.com/xiaot623/supportdesk/internal/transport"
	"github.com/xiaot623/supportdesk/policy"
	"github.com/xiaot623/supportdesk/tests/helpers"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	svc := service.New(helpers.NewTestSQLiteStore(t), nil, engine, nil, zerolog.Nop(), service.Options{})
	return NewHandler(svc, nil)
}

func newServer(t *testing.T) *echo.Echo {
	t.Helper()
	e := echo.New()
	newTestHandler(t).RegisterRoutes(e)
	return e
}

func do(e *echo.Echo, method, path, body, principalID, role string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if principalID != "" {
		req.Header.Set(transport.HeaderPrincipalID, principalID)
		req.Header.Set(transport.HeaderPrincipalRole, role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorBody {
	t.Helper()
	var resp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func createSession(t *testing.T, e *echo.Echo) domain.Session {
	t.Helper()
	rec := do(e, http.MethodPost, "/v1/sessions", `{"customerId":"cust_1","businessId":"biz_1"}`, "cust_1", "customer")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var session domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	return session
}

func TestHealth(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestCreateSessionHandler(t *testing.T) {
	e := newServer(t)

	session := createSession(t, e)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, domain.SessionStatusActive, session.Status)

	rec := do(e, http.MethodPost, "/v1/sessions", `{"customerId":"cust_1","businessId":"biz_1"}`, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, http.MethodPost, "/v1/sessions", `{"customerId":"cust_1","businessId":"biz_1"}`, "cust_9", "customer")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeError(t, rec).Code)

	rec = do(e, http.MethodPost, "/v1/sessions", `{"customerId":"cust_1"}`, "cust_1", "customer")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeError(t, rec).Code)

	rec = do(e, http.MethodPost, "/v1/sessions", `{not json`, "cust_1", "customer")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppendAndHistoryHandlers(t *testing.T) {
	e := newServer(t)
	session := createSession(t, e)
	path := "/v1/sessions/" + session.SessionID + "/messages"

	rec := do(e, http.MethodPost, path, `{"content":"where is my order?","clientMessageId":"tmp_1"}`, "cust_1", "customer")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, int64(1), msg.Position)
	assert.Equal(t, "cust_1", msg.SenderID)
	assert.Equal(t, "tmp_1", msg.ClientMessageID)

	// Same key replays the stored message.
	rec = do(e, http.MethodPost, path, `{"content":"where is my order?","clientMessageId":"tmp_1"}`, "cust_1", "customer")
	require.Equal(t, http.StatusOK, rec.Code)
	var dup domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.Equal(t, msg.MessageID, dup.MessageID)

	// Alias route with the key in a header.
	body := `{"sessionId":"` + session.SessionID + `","content":"checking","senderId":"biz_1"}`
	rec = do(e, http.MethodPost, "/v1/messages", body, "biz_1", "business", transport.HeaderIdempotencyKey, "tmp_2")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, path, "", "biz_1", "business")
	require.Equal(t, http.StatusOK, rec.Code)
	var history domain.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, domain.SessionStatusActive, history.Status)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, msg.MessageID, history.Messages[0].MessageID)
	assert.Equal(t, "biz_1", history.Messages[1].SenderID)
	assert.Equal(t, int64(2), history.Messages[1].Position)
}

func TestAppendErrorsMapToStatus(t *testing.T) {
	e := newServer(t)
	session := createSession(t, e)
	path := "/v1/sessions/" + session.SessionID + "/messages"

	rec := do(e, http.MethodPost, path, `{"content":"   "}`, "cust_1", "customer")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeError(t, rec).Code)

	rec = do(e, http.MethodPost, "/v1/sessions/missing/messages", `{"content":"hi"}`, "cust_1", "customer")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)

	rec = do(e, http.MethodPost, path, `{"content":"hi"}`, "cust_2", "customer")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodPost, path, `{"sessionId":"other","content":"hi"}`, "cust_1", "customer")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/messages", `{"content":"hi"}`, "cust_1", "customer")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloseSessionHandler(t *testing.T) {
	e := newServer(t)
	session := createSession(t, e)
	closePath := "/v1/sessions/" + session.SessionID + "/close"

	rec := do(e, http.MethodPatch, closePath, "", "cust_1", "customer")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodPatch, closePath, "", "biz_1", "business")
	require.Equal(t, http.StatusOK, rec.Code)
	var closed domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	assert.Equal(t, domain.SessionStatusClosed, closed.Status)

	rec = do(e, http.MethodPatch, closePath, "", "biz_1", "business")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPost, "/v1/sessions/"+session.SessionID+"/messages", `{"content":"hello?"}`, "cust_1", "customer")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeError(t, rec).Code)

	rec = do(e, http.MethodPatch, "/v1/sessions/missing/close", "", "root", "admin")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndListSessionsHandlers(t *testing.T) {
	e := newServer(t)
	session := createSession(t, e)

	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+session.SessionID, nil)
	req.Header.Set(transport.HeaderPrincipalID, "biz_1")
	req.Header.Set(transport.HeaderPrincipalRole, "business")
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues(session.SessionID)
	// A separate handler has its own store, so the session is unknown there.
	require.NoError(t, h.GetSession(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/v1/sessions/"+session.SessionID, "", "biz_1", "business")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/v1/sessions", "", "cust_1", "customer")
	require.Equal(t, http.StatusOK, rec.Code)
	var list domain.ListSessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, session.SessionID, list.Sessions[0].SessionID)

	rec = do(e, http.MethodGet, "/v1/sessions", "", "cust_2", "customer")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Sessions)
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, statusForKind(domain.KindUnknown))
	assert.Equal(t, http.StatusServiceUnavailable, statusForKind(domain.KindUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(domain.KindInternal))
}
