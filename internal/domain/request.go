package domain

// CreateSessionRequest is the body of a session creation request.
type CreateSessionRequest struct {
	CustomerID string `json:"customerId"`
	BusinessID string `json:"businessId"`
}

// AppendMessageRequest is the body of a message append request.
type AppendMessageRequest struct {
	SessionID       string `json:"sessionId"`
	SenderID        string `json:"senderId,omitempty"`
	Content         string `json:"content"`
	IsBot           bool   `json:"isBot,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// AppendInput is what the store needs to append one message.
type AppendInput struct {
	SessionID      string
	SenderID       string
	Content        string
	IsBot          bool
	IdempotencyKey string
}

// HistoryResponse is the durable view of a session used by reconciling clients.
type HistoryResponse struct {
	Status   SessionStatus `json:"status"`
	Messages []Message     `json:"messages"`
}

// ListSessionsResponse wraps a list of sessions.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// ErrorBody is the error payload returned by the HTTP gateway.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
