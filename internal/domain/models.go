package domain

import "time"

// Session is a bounded conversation between one customer and one business.
type Session struct {
	SessionID    string        `json:"id"`
	CustomerID   string        `json:"customerId"`
	BusinessID   string        `json:"businessId"`
	Status       SessionStatus `json:"status"`
	LastPosition int64         `json:"lastPosition"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	ClosedAt     *time.Time    `json:"closedAt,omitempty"`
}

// IsClosed reports whether the session has reached its terminal state.
func (s *Session) IsClosed() bool {
	return s.Status == SessionStatusClosed
}

// HasParticipant reports whether principalID is the customer or the business of the session.
func (s *Session) HasParticipant(principalID string) bool {
	return principalID != "" && (principalID == s.CustomerID || principalID == s.BusinessID)
}

// Message is a single immutable entry of a session's append-only log.
type Message struct {
	MessageID       string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	SenderID        string    `json:"senderId"`
	Content         string    `json:"content"`
	IsBot           bool      `json:"isBot"`
	Position        int64     `json:"position"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Principal identifies the caller of a gateway operation.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Notification is handed to the notification collaborator.
type Notification struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}
