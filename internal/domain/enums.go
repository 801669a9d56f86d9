// Package domain defines the core domain models for the support chat core.
package domain

// SessionStatus represents the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
)

// Role represents the role of a principal as supplied by the auth collaborator.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleBusiness Role = "business"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleBusiness, RoleAdmin:
		return true
	}
	return false
}

// Action names an operation checked by the access policy.
type Action string

const (
	ActionCreate  Action = "create"
	ActionAppend  Action = "append"
	ActionClose   Action = "close"
	ActionHistory Action = "history"
)

// EventType represents the type of a room broadcast event.
type EventType string

const (
	EventTypeMessage       EventType = "message"
	EventTypeSessionClosed EventType = "session_closed"
)

// BotSenderID is the sender recorded for automated messages.
const BotSenderID = "bot"
