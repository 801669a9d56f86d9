package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/metrics"
	"github.com/xiaot623/supportdesk/internal/protocol"
)

// CreateSession opens a session between a customer and a business. Only the
// customer itself or an admin may open it. Creation is never retried.
func (s *Service) CreateSession(ctx context.Context, p domain.Principal, customerID, businessID string) (session *domain.Session, err error) {
	ctx, end := s.start(ctx, "CreateSession", attribute.String("principal.id", p.ID))
	defer func() { end(err) }()

	if err := checkPrincipal(p); err != nil {
		return nil, err
	}
	if err := domain.ValidateParticipants(customerID, businessID); err != nil {
		return nil, err
	}
	ref := sessionRef(&domain.Session{CustomerID: customerID, BusinessID: businessID})
	if err := s.policy.Authorize(ctx, domain.ActionCreate, p, ref); err != nil {
		return nil, s.fail("create", err)
	}

	session, err = s.store.CreateSession(ctx, customerID, businessID)
	if err != nil {
		return nil, s.fail("create", err)
	}
	metrics.SessionsCreated.Inc()
	s.logger.Info().Str("session_id", session.SessionID).Str("customer_id", customerID).
		Str("business_id", businessID).Msg("session created")

	s.notify(domain.Notification{
		Recipient: businessID,
		Subject:   "new support session",
		Body:      fmt.Sprintf("Customer %s opened support session %s.", customerID, session.SessionID),
	})
	return session, nil
}

// GetSession returns a session to one of its participants or an admin.
func (s *Service) GetSession(ctx context.Context, p domain.Principal, sessionID string) (session *domain.Session, err error) {
	ctx, end := s.start(ctx, "GetSession", attribute.String("session.id", sessionID))
	defer func() { end(err) }()

	session, err = s.authorized(ctx, p, domain.ActionHistory, sessionID, "get")
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns the sessions visible to the caller: its own as a
// customer, those it serves as a business, all as an admin.
func (s *Service) ListSessions(ctx context.Context, p domain.Principal) (sessions []domain.Session, err error) {
	ctx, end := s.start(ctx, "ListSessions", attribute.String("principal.id", p.ID))
	defer func() { end(err) }()

	if err := checkPrincipal(p); err != nil {
		return nil, err
	}
	sessions, err = retry(ctx, s, "list", func(ctx context.Context) ([]domain.Session, error) {
		return s.store.ListSessionsFor(ctx, p.ID, p.Role)
	})
	if err != nil {
		return nil, s.fail("list", err)
	}
	return sessions, nil
}

// CloseSession closes a session. Only its business or an admin may close it.
// Closing a closed session succeeds and re-announces the close so lagging
// clients converge.
func (s *Service) CloseSession(ctx context.Context, p domain.Principal, sessionID string) (session *domain.Session, err error) {
	ctx, end := s.start(ctx, "CloseSession", attribute.String("session.id", sessionID))
	defer func() { end(err) }()

	if _, err := s.authorized(ctx, p, domain.ActionClose, sessionID, "close"); err != nil {
		return nil, err
	}

	type closeResult struct {
		session *domain.Session
		changed bool
	}
	res, err := retry(ctx, s, "close", func(ctx context.Context) (closeResult, error) {
		session, changed, err := s.store.CloseSession(ctx, sessionID)
		return closeResult{session: session, changed: changed}, err
	})
	if err != nil {
		return nil, s.fail("close", err)
	}
	if res.changed {
		metrics.SessionsClosed.Inc()
		s.logger.Info().Str("session_id", sessionID).Str("principal_id", p.ID).Msg("session closed")
	}

	s.publish(ctx, sessionID, protocol.NewSessionClosedEvent(*res.session), "")
	return res.session, nil
}

// AuthorizeJoin checks that the caller may receive a session's room events.
// Joining follows the history rule.
func (s *Service) AuthorizeJoin(ctx context.Context, p domain.Principal, sessionID string) (err error) {
	ctx, end := s.start(ctx, "AuthorizeJoin", attribute.String("session.id", sessionID))
	defer func() { end(err) }()

	_, err = s.authorized(ctx, p, domain.ActionHistory, sessionID, "join")
	return err
}

// authorized loads the session and evaluates the policy for action.
func (s *Service) authorized(ctx context.Context, p domain.Principal, action domain.Action, sessionID, op string) (*domain.Session, error) {
	if err := checkPrincipal(p); err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.policy.Authorize(ctx, action, p, sessionRef(session)); err != nil {
		return nil, s.fail(op, err)
	}
	return session, nil
}
