package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// PostgresStore implements Store on PostgreSQL. Appends and closes serialize
// on the session row with SELECT ... FOR UPDATE, so several server instances
// may share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// runs its migrations.
func NewPostgresStore(ctx context.Context, databaseURL string, opts Options) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool, opts: opts}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			business_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			last_position BIGINT NOT NULL DEFAULT 0,
			last_message_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_customer ON sessions(customer_id, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_business ON sessions(business_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(session_id),
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			position BIGINT NOT NULL,
			client_message_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, position),
			UNIQUE (session_id, client_message_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return classifyPostgresError(s.pool.Ping(ctx))
}

const pgSessionColumns = `session_id, customer_id, business_id, status, last_position, last_message_at, created_at, updated_at, closed_at`

func scanPostgresSession(row pgx.Row) (*domain.Session, *time.Time, error) {
	var session domain.Session
	var status string
	var lastMessageAt *time.Time
	err := row.Scan(
		&session.SessionID, &session.CustomerID, &session.BusinessID, &status,
		&session.LastPosition, &lastMessageAt, &session.CreatedAt, &session.UpdatedAt, &session.ClosedAt,
	)
	if err != nil {
		return nil, nil, err
	}
	session.Status = domain.SessionStatus(status)
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	if session.ClosedAt != nil {
		t := session.ClosedAt.UTC()
		session.ClosedAt = &t
	}
	if lastMessageAt != nil {
		t := lastMessageAt.UTC()
		lastMessageAt = &t
	}
	return &session, lastMessageAt, nil
}

// CreateSession creates a new active session.
func (s *PostgresStore) CreateSession(ctx context.Context, customerID, businessID string) (*domain.Session, error) {
	if err := domain.ValidateParticipants(customerID, businessID); err != nil {
		return nil, err
	}
	now := s.opts.now()
	session := &domain.Session{
		SessionID:  newSessionID(),
		CustomerID: customerID,
		BusinessID: businessID,
		Status:     domain.SessionStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, customer_id, business_id, status, last_position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, session.SessionID, session.CustomerID, session.BusinessID, string(session.Status), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("failed to insert session: %w", err))
	}
	return session, nil
}

// GetSession returns a session by id.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	session, _, err := scanPostgresSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("failed to get session: %w", err))
	}
	return session, nil
}

// ListSessionsFor returns the sessions visible to a principal, most recently updated first.
func (s *PostgresStore) ListSessionsFor(ctx context.Context, principalID string, role domain.Role) ([]domain.Session, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM sessions`
	var args []any
	switch role {
	case domain.RoleAdmin:
	case domain.RoleBusiness:
		query += ` WHERE business_id = $1`
		args = append(args, principalID)
	default:
		query += ` WHERE customer_id = $1`
		args = append(args, principalID)
	}
	query += ` ORDER BY updated_at DESC, session_id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("failed to list sessions: %w", err))
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		session, _, err := scanPostgresSession(rows)
		if err != nil {
			return nil, classifyPostgresError(fmt.Errorf("failed to scan session: %w", err))
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err)
	}
	return sessions, nil
}

// AppendMessage appends a message while holding the session row lock.
func (s *PostgresStore) AppendMessage(ctx context.Context, in domain.AppendInput) (*domain.Message, bool, error) {
	if err := validateAppend(in, s.opts.MaxMessageBytes); err != nil {
		return nil, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE session_id = $1 FOR UPDATE`, in.SessionID)
	session, lastAt, err := scanPostgresSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to lock session: %w", err))
	}

	if in.IdempotencyKey != "" {
		row := tx.QueryRow(ctx, `SELECT `+pgMessageColumns+` FROM messages WHERE session_id = $1 AND client_message_id = $2`,
			in.SessionID, in.IdempotencyKey)
		existing, err := scanPostgresMessage(row)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, classifyPostgresError(fmt.Errorf("failed to look up idempotency key: %w", err))
		}
	}
	if session.IsClosed() {
		return nil, false, domain.ErrSessionClosed
	}

	createdAt := nextTimestamp(s.opts.now(), lastAt)
	msg := &domain.Message{
		MessageID:       newMessageID(),
		SessionID:       in.SessionID,
		SenderID:        in.SenderID,
		Content:         in.Content,
		IsBot:           in.IsBot,
		Position:        session.LastPosition + 1,
		ClientMessageID: in.IdempotencyKey,
		CreatedAt:       createdAt,
	}
	var clientMessageID *string
	if msg.ClientMessageID != "" {
		clientMessageID = &msg.ClientMessageID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (message_id, session_id, sender_id, content, is_bot, position, client_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.MessageID, msg.SessionID, msg.SenderID, msg.Content, msg.IsBot, msg.Position, clientMessageID, msg.CreatedAt)
	if err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to insert message: %w", err))
	}
	_, err = tx.Exec(ctx, `
		UPDATE sessions SET last_position = $1, last_message_at = $2, updated_at = $2 WHERE session_id = $3
	`, msg.Position, msg.CreatedAt, msg.SessionID)
	if err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to update session: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to commit append: %w", err))
	}
	return msg, false, nil
}

// CloseSession transitions a session to closed while holding the row lock.
func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) (*domain.Session, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE session_id = $1 FOR UPDATE`, sessionID)
	session, _, err := scanPostgresSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to lock session: %w", err))
	}
	if session.IsClosed() {
		return session, false, nil
	}

	now := s.opts.now()
	if now.Before(session.UpdatedAt) {
		now = session.UpdatedAt
	}
	_, err = tx.Exec(ctx, `
		UPDATE sessions SET status = $1, closed_at = $2, updated_at = $2 WHERE session_id = $3
	`, string(domain.SessionStatusClosed), now, sessionID)
	if err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to close session: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, classifyPostgresError(fmt.Errorf("failed to commit close: %w", err))
	}

	session.Status = domain.SessionStatusClosed
	session.UpdatedAt = now
	session.ClosedAt = &now
	return session, true, nil
}

const pgMessageColumns = `message_id, session_id, sender_id, content, is_bot, position, client_message_id, created_at`

func scanPostgresMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	var clientMessageID *string
	err := row.Scan(&msg.MessageID, &msg.SessionID, &msg.SenderID, &msg.Content, &msg.IsBot,
		&msg.Position, &clientMessageID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if clientMessageID != nil {
		msg.ClientMessageID = *clientMessageID
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}

// GetMessages returns the session log in position order.
func (s *PostgresStore) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgMessageColumns+` FROM messages WHERE session_id = $1 ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("failed to query messages: %w", err))
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, classifyPostgresError(fmt.Errorf("failed to scan message: %w", err))
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err)
	}
	return messages, nil
}

// classifyPostgresError maps connection loss, timeouts and lock contention to
// domain.ErrUnavailable.
func classifyPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03",
			pgErr.Code == "53300", pgErr.Code == "57P01",
			strings.HasPrefix(pgErr.Code, "08"):
			return domain.Wrap(domain.ErrUnavailable, err)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Wrap(domain.ErrUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return domain.Wrap(domain.ErrUnavailable, err)
	}
	return err
}
