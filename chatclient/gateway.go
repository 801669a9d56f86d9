package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/transport"
)

// Client is an HTTP client for the session gateway API.
type Client struct {
	baseURL    string
	principal  domain.Principal
	httpClient *http.Client
}

// NewClient creates a gateway client acting as principal.
func NewClient(baseURL string, principal domain.Principal) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		principal: principal,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Principal returns the identity the client acts as.
func (c *Client) Principal() domain.Principal {
	return c.principal
}

// AppendParams describes one message append.
type AppendParams struct {
	SessionID string
	Content   string
	IsBot     bool
	// IdempotencyKey makes retries of the same logical send safe.
	IdempotencyKey string
	// ConnectionID excludes the caller's own room connection from the broadcast.
	ConnectionID string
}

// CreateSession calls POST /v1/sessions.
func (c *Client) CreateSession(ctx context.Context, customerID, businessID string) (*domain.Session, error) {
	var session domain.Session
	req := domain.CreateSessionRequest{CustomerID: customerID, BusinessID: businessID}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions calls GET /v1/sessions.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var resp domain.ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSession calls GET /v1/sessions/:session_id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CloseSession calls PATCH /v1/sessions/:session_id/close.
func (c *Client) CloseSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	if err := c.do(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(sessionID)+"/close", nil, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// History calls GET /v1/sessions/:session_id/messages.
func (c *Client) History(ctx context.Context, sessionID string) (*domain.HistoryResponse, error) {
	var history domain.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", nil, nil, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// AppendMessage calls POST /v1/sessions/:session_id/messages. A transport
// failure after the request may have been sent is reported as
// domain.ErrUnknownOutcome.
func (c *Client) AppendMessage(ctx context.Context, p AppendParams) (*domain.Message, error) {
	req := domain.AppendMessageRequest{
		SessionID:       p.SessionID,
		SenderID:        c.principal.ID,
		Content:         p.Content,
		IsBot:           p.IsBot,
		ClientMessageID: p.IdempotencyKey,
	}
	headers := map[string]string{}
	if p.IdempotencyKey != "" {
		headers[transport.HeaderIdempotencyKey] = p.IdempotencyKey
	}
	if p.ConnectionID != "" {
		headers[transport.HeaderConnectionID] = p.ConnectionID
	}

	var msg domain.Message
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(p.SessionID)+"/messages", req, headers, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, headers map[string]string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(transport.HeaderPrincipalID, c.principal.ID)
	httpReq.Header.Set(transport.HeaderPrincipalRole, string(c.principal.Role))
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if method == http.MethodGet {
			return domain.Wrap(domain.ErrUnavailable, err)
		}
		return domain.Wrap(domain.ErrUnknownOutcome, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError turns a gateway error body back into a classified error, so
// callers can match the domain sentinels.
func decodeError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var errResp domain.ErrorResponse
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Code != "" {
		return classify(domain.Kind(errResp.Error.Code), errResp.Error.Message)
	}
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return domain.Wrap(domain.ErrUnavailable, fmt.Errorf("gateway returned status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusGatewayTimeout:
		return domain.Wrap(domain.ErrUnknownOutcome, fmt.Errorf("gateway returned status %d", resp.StatusCode))
	}
	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(respBody))
}

var sentinels = []*domain.Error{
	domain.ErrSessionNotFound,
	domain.ErrSessionClosed,
	domain.ErrInvalidParticipants,
	domain.ErrInvalidMessage,
	domain.ErrForbidden,
	domain.ErrUnavailable,
	domain.ErrUnknownOutcome,
	domain.ErrInternal,
}

// classify rebuilds the sentinel a gateway message was derived from.
func classify(kind domain.Kind, msg string) error {
	for _, s := range sentinels {
		if s.Kind != kind || !strings.HasPrefix(msg, s.Message) {
			continue
		}
		detail := strings.TrimPrefix(strings.TrimPrefix(msg, s.Message), ": ")
		if detail == "" {
			return &domain.Error{Kind: kind, Message: s.Message}
		}
		return domain.Invalid(s, detail)
	}
	return &domain.Error{Kind: kind, Message: msg}
}
