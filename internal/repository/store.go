// Package repository implements the durable session store: sessions, their
// append-only message logs and the active/closed lifecycle.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// Store is the session store contract shared by every backing.
//
// AppendMessage and CloseSession are serialized per session; no backing holds
// a lock that spans sessions.
type Store interface {
	CreateSession(ctx context.Context, customerID, businessID string) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessionsFor(ctx context.Context, principalID string, role domain.Role) ([]domain.Session, error)
	// AppendMessage returns duplicated=true with the existing message when the
	// idempotency key was already used in the session.
	AppendMessage(ctx context.Context, in domain.AppendInput) (msg *domain.Message, duplicated bool, err error)
	// CloseSession returns changed=false when the session was already closed.
	CloseSession(ctx context.Context, sessionID string) (session *domain.Session, changed bool, err error)
	GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options tune a store.
type Options struct {
	// MaxMessageBytes bounds message content; zero selects the domain default.
	MaxMessageBytes int
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

// nextTimestamp keeps message timestamps monotonic within a session.
func nextTimestamp(now time.Time, last *time.Time) time.Time {
	if last != nil && now.Before(*last) {
		return *last
	}
	return now
}

func newSessionID() string {
	return uuid.NewString()
}

func newMessageID() string {
	return "msg_" + ulid.Make().String()
}

// validateAppend checks the input fields that do not need stored state.
func validateAppend(in domain.AppendInput, maxBytes int) error {
	if in.SessionID == "" {
		return domain.ErrSessionNotFound
	}
	if in.SenderID == "" {
		return domain.Invalid(domain.ErrInvalidMessage, "senderId is required")
	}
	return domain.ValidateContent(in.Content, maxBytes)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
