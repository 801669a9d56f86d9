package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/metrics"
	"github.com/xiaot623/supportdesk/internal/protocol"
)

// AppendRequest is a gateway append call.
type AppendRequest struct {
	SessionID string
	// SenderID must match the caller unless the caller is an admin. Empty
	// means the caller.
	SenderID string
	Content  string
	IsBot    bool
	// IdempotencyKey makes retries of the same logical send safe.
	IdempotencyKey string
	// OriginConnectionID is excluded from the room fan-out.
	OriginConnectionID string
}

// AppendResult is the outcome of an append.
type AppendResult struct {
	Message *domain.Message
	// Duplicated is true when the idempotency key had already been used.
	Duplicated bool
}

// AppendMessage stores a message and announces it to the session's room.
//
// A timed out or cancelled store call yields domain.ErrUnknownOutcome and is
// never retried. An unavailable store is retried once only when the request
// carries an idempotency key.
func (s *Service) AppendMessage(ctx context.Context, p domain.Principal, req AppendRequest) (res AppendResult, err error) {
	ctx, end := s.start(ctx, "AppendMessage",
		attribute.String("session.id", req.SessionID),
		attribute.Bool("message.bot", req.IsBot),
	)
	defer func() { end(err) }()

	session, err := s.authorized(ctx, p, domain.ActionAppend, req.SessionID, "append")
	if err != nil {
		return AppendResult{}, err
	}

	senderID, err := resolveSender(p, req)
	if err != nil {
		return AppendResult{}, s.fail("append", err)
	}
	if err := domain.ValidateContent(req.Content, s.opts.MaxMessageBytes); err != nil {
		return AppendResult{}, err
	}
	if session.IsClosed() {
		return AppendResult{}, domain.ErrSessionClosed
	}

	in := domain.AppendInput{
		SessionID:      req.SessionID,
		SenderID:       senderID,
		Content:        req.Content,
		IsBot:          req.IsBot,
		IdempotencyKey: req.IdempotencyKey,
	}
	call := func(ctx context.Context) (AppendResult, error) {
		msg, dup, err := s.store.AppendMessage(ctx, in)
		return AppendResult{Message: msg, Duplicated: dup}, err
	}
	if in.IdempotencyKey != "" {
		res, err = retry(ctx, s, "append", call)
	} else {
		res, err = call(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = domain.Wrap(domain.ErrUnknownOutcome, err)
		}
		return AppendResult{}, s.fail("append", err)
	}

	if res.Duplicated {
		metrics.DuplicateAppends.Inc()
		return res, nil
	}
	metrics.MessagesAppended.WithLabelValues(senderLabel(session, res.Message)).Inc()

	s.publish(ctx, req.SessionID, protocol.NewMessageEvent(*res.Message), req.OriginConnectionID)

	if !res.Message.IsBot && res.Message.SenderID == session.CustomerID {
		s.notify(domain.Notification{
			Recipient: session.BusinessID,
			Subject:   "new customer message",
			Body:      fmt.Sprintf("Customer %s wrote in session %s.", session.CustomerID, session.SessionID),
		})
	}
	return res, nil
}

// resolveSender applies the sender rules: bots post as domain.BotSenderID and
// only from the business side, others post as themselves unless admin.
func resolveSender(p domain.Principal, req AppendRequest) (string, error) {
	if req.IsBot {
		if p.Role == domain.RoleCustomer {
			return "", domain.ErrForbidden
		}
		return domain.BotSenderID, nil
	}
	if req.SenderID == "" || req.SenderID == p.ID {
		return p.ID, nil
	}
	if p.IsAdmin() && req.SenderID != domain.BotSenderID {
		return req.SenderID, nil
	}
	return "", domain.ErrForbidden
}

func senderLabel(session *domain.Session, msg *domain.Message) string {
	switch {
	case msg.IsBot:
		return "bot"
	case msg.SenderID == session.CustomerID:
		return "customer"
	case msg.SenderID == session.BusinessID:
		return "business"
	default:
		return "admin"
	}
}

// History returns the session status and its full log in position order.
func (s *Service) History(ctx context.Context, p domain.Principal, sessionID string) (resp *domain.HistoryResponse, err error) {
	ctx, end := s.start(ctx, "History", attribute.String("session.id", sessionID))
	defer func() { end(err) }()

	if _, err := s.authorized(ctx, p, domain.ActionHistory, sessionID, "history"); err != nil {
		return nil, err
	}

	messages, err := retry(ctx, s, "history", func(ctx context.Context) ([]domain.Message, error) {
		return s.store.GetMessages(ctx, sessionID)
	})
	if err != nil {
		return nil, s.fail("history", err)
	}
	// Status is read after the log so it is never older than the messages.
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, s.fail("history", err)
	}
	return &domain.HistoryResponse{Status: session.Status, Messages: messages}, nil
}
