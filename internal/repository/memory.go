package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// MemoryStore implements Store in process memory. Used by tests and
// single-instance development setups.
type MemoryStore struct {
	opts  Options
	locks *keyedMutex

	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	session  domain.Session
	messages []domain.Message
	byKey    map[string]int // client message id -> index into messages
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:     opts,
		locks:    newKeyedMutex(),
		sessions: make(map[string]*memSession),
	}
}

func (s *MemoryStore) lookup(sessionID string) (*memSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	return rec, ok
}

// CreateSession creates a new active session.
func (s *MemoryStore) CreateSession(ctx context.Context, customerID, businessID string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateParticipants(customerID, businessID); err != nil {
		return nil, err
	}
	now := s.opts.now()
	rec := &memSession{
		session: domain.Session{
			SessionID:  newSessionID(),
			CustomerID: customerID,
			BusinessID: businessID,
			Status:     domain.SessionStatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		byKey: make(map[string]int),
	}

	s.mu.Lock()
	s.sessions[rec.session.SessionID] = rec
	s.mu.Unlock()

	out := rec.session
	return &out, nil
}

// GetSession returns a session by id.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.lookup(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	out := rec.session
	return &out, nil
}

// ListSessionsFor returns the sessions visible to a principal, most recently updated first.
func (s *MemoryStore) ListSessionsFor(ctx context.Context, principalID string, role domain.Role) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	recs := make([]*memSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	sessions := make([]domain.Session, 0)
	for _, rec := range recs {
		unlock := s.locks.Lock(rec.session.SessionID)
		sess := rec.session
		unlock()
		switch role {
		case domain.RoleAdmin:
		case domain.RoleBusiness:
			if sess.BusinessID != principalID {
				continue
			}
		default:
			if sess.CustomerID != principalID {
				continue
			}
		}
		sessions = append(sessions, sess)
	}
	sortSessions(sessions)
	return sessions, nil
}

// AppendMessage appends a message to the session log.
func (s *MemoryStore) AppendMessage(ctx context.Context, in domain.AppendInput) (*domain.Message, bool, error) {
	if err := validateAppend(in, s.opts.MaxMessageBytes); err != nil {
		return nil, false, err
	}
	rec, ok := s.lookup(in.SessionID)
	if !ok {
		return nil, false, domain.ErrSessionNotFound
	}

	unlock := s.locks.Lock(in.SessionID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if in.IdempotencyKey != "" {
		if idx, ok := rec.byKey[in.IdempotencyKey]; ok {
			existing := rec.messages[idx]
			return &existing, true, nil
		}
	}
	if rec.session.IsClosed() {
		return nil, false, domain.ErrSessionClosed
	}

	var last *domain.Message
	if n := len(rec.messages); n > 0 {
		last = &rec.messages[n-1]
	}
	now := s.opts.now()
	createdAt := now
	if last != nil {
		createdAt = nextTimestamp(now, &last.CreatedAt)
	}
	msg := domain.Message{
		MessageID:       newMessageID(),
		SessionID:       in.SessionID,
		SenderID:        in.SenderID,
		Content:         in.Content,
		IsBot:           in.IsBot,
		Position:        rec.session.LastPosition + 1,
		ClientMessageID: in.IdempotencyKey,
		CreatedAt:       createdAt,
	}
	rec.messages = append(rec.messages, msg)
	if in.IdempotencyKey != "" {
		rec.byKey[in.IdempotencyKey] = len(rec.messages) - 1
	}
	rec.session.LastPosition = msg.Position
	rec.session.UpdatedAt = createdAt

	return &msg, false, nil
}

// CloseSession transitions a session to closed.
func (s *MemoryStore) CloseSession(ctx context.Context, sessionID string) (*domain.Session, bool, error) {
	rec, ok := s.lookup(sessionID)
	if !ok {
		return nil, false, domain.ErrSessionNotFound
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if rec.session.IsClosed() {
		out := rec.session
		return &out, false, nil
	}
	now := s.opts.now()
	if now.Before(rec.session.UpdatedAt) {
		now = rec.session.UpdatedAt
	}
	rec.session.Status = domain.SessionStatusClosed
	rec.session.UpdatedAt = now
	rec.session.ClosedAt = &now

	out := rec.session
	return &out, true, nil
}

// GetMessages returns the session log in position order.
func (s *MemoryStore) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.lookup(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	out := make([]domain.Message, len(rec.messages))
	copy(out, rec.messages)
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases nothing.
func (s *MemoryStore) Close() error {
	return nil
}

func sortSessions(sessions []domain.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
}
