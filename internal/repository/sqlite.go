package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	opts  Options
	locks *keyedMutex
}

// NewSQLiteStore creates a new SQLite store and runs its migrations.
func NewSQLiteStore(dsn string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, opts: opts, locks: newKeyedMutex()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			business_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			last_position INTEGER NOT NULL DEFAULT 0,
			last_message_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			closed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_customer ON sessions(customer_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_business ON sessions(business_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			is_bot INTEGER NOT NULL DEFAULT 0,
			position INTEGER NOT NULL,
			client_message_id TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id),
			UNIQUE (session_id, position),
			UNIQUE (session_id, client_message_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

// CreateSession creates a new active session.
func (s *SQLiteStore) CreateSession(ctx context.Context, customerID, businessID string) (*domain.Session, error) {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, customer_id, business_id, status, last_position, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, session.SessionID, session.CustomerID, session.BusinessID, string(session.Status), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("failed to insert session: %w", err))
	}
	return session, nil
}

const sqliteSessionColumns = `session_id, customer_id, business_id, status, last_position, last_message_at, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*domain.Session, *time.Time, error) {
	var session domain.Session
	var lastMessageAt, closedAt sql.NullTime
	err := row.Scan(
		&session.SessionID, &session.CustomerID, &session.BusinessID, &session.Status,
		&session.LastPosition, &lastMessageAt, &session.CreatedAt, &session.UpdatedAt, &closedAt,
	)
	if err != nil {
		return nil, nil, err
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		session.ClosedAt = &t
	}
	var last *time.Time
	if lastMessageAt.Valid {
		t := lastMessageAt.Time.UTC()
		last = &t
	}
	return &session, last, nil
}

// GetSession returns a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	session, _, err := scanSQLiteSession(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("failed to get session: %w", err))
	}
	return session, nil
}

// ListSessionsFor returns the sessions visible to a principal, most recently updated first.
func (s *SQLiteStore) ListSessionsFor(ctx context.Context, principalID string, role domain.Role) ([]domain.Session, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM sessions`
	var args []any
	switch role {
	case domain.RoleAdmin:
	case domain.RoleBusiness:
		query += ` WHERE business_id = ?`
		args = append(args, principalID)
	default:
		query += ` WHERE customer_id = ?`
		args = append(args, principalID)
	}
	query += ` ORDER BY updated_at DESC, session_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("failed to list sessions: %w", err))
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		session, _, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, classifySQLiteError(fmt.Errorf("failed to scan session: %w", err))
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err)
	}
	// Timestamps are compared as text by SQLite; re-sort on the parsed values.
	sortSessions(sessions)
	return sessions, nil
}

// AppendMessage appends a message to the session log inside one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, in domain.AppendInput) (*domain.Message, bool, error) {
	if err := validateAppend(in, s.opts.MaxMessageBytes); err != nil {
		return nil, false, err
	}

	unlock := s.locks.Lock(in.SessionID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE session_id = ?`, in.SessionID)
	session, lastAt, err := scanSQLiteSession(row)
	if err == sql.ErrNoRows {
		return nil, false, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to load session: %w", err))
	}

	if in.IdempotencyKey != "" {
		existing, err := s.getMessageByKey(ctx, tx, in.SessionID, in.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, session_id, sender_id, content, is_bot, position, client_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.MessageID, msg.SessionID, msg.SenderID, msg.Content, msg.IsBot, msg.Position, nullString(msg.ClientMessageID), msg.CreatedAt)
	if err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to insert message: %w", err))
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET last_position = ?, last_message_at = ?, updated_at = ? WHERE session_id = ?
	`, msg.Position, msg.CreatedAt, msg.CreatedAt, msg.SessionID)
	if err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to update session: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to commit append: %w", err))
	}
	return msg, false, nil
}

func (s *SQLiteStore) getMessageByKey(ctx context.Context, tx *sql.Tx, sessionID, key string) (*domain.Message, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sqliteMessageColumns+` FROM messages WHERE session_id = ? AND client_message_id = ?`, sessionID, key)
	msg, err := scanSQLiteMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("failed to look up idempotency key: %w", err))
	}
	return msg, nil
}

// CloseSession transitions a session to closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string) (*domain.Session, bool, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	session, _, err := scanSQLiteSession(row)
	if err == sql.ErrNoRows {
		return nil, false, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to load session: %w", err))
	}
	if session.IsClosed() {
		return session, false, nil
	}

	now := s.opts.now()
	if now.Before(session.UpdatedAt) {
		now = session.UpdatedAt
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, closed_at = ?, updated_at = ? WHERE session_id = ?
	`, string(domain.SessionStatusClosed), now, now, sessionID)
	if err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to close session: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, false, classifySQLiteError(fmt.Errorf("failed to commit close: %w", err))
	}

	session.Status = domain.SessionStatusClosed
	session.UpdatedAt = now
	session.ClosedAt = &now
	return session, true, nil
}

const sqliteMessageColumns = `message_id, session_id, sender_id, content, is_bot, position, client_message_id, created_at`

func scanSQLiteMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var clientMessageID sql.NullString
	err := row.Scan(&msg.MessageID, &msg.SessionID, &msg.SenderID, &msg.Content, &msg.IsBot,
		&msg.Position, &clientMessageID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.ClientMessageID = clientMessageID.String
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}

// GetMessages returns the session log in position order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteMessageColumns+` FROM messages WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("failed to query messages: %w", err))
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, classifySQLiteError(fmt.Errorf("failed to scan message: %w", err))
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err)
	}
	return messages, nil
}

// classifySQLiteError maps transient engine failures to domain.ErrUnavailable.
func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return domain.Wrap(domain.ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Wrap(domain.ErrUnavailable, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
