package chatclient

import (
	"context"
	"fmt"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/protocol"
)

// Session drives a Synchronizer from the gateway: room events flow in as they
// arrive, history is fetched once after joining, and sends go through the
// HTTP API with the entry's temp id as idempotency key.
type Session struct {
	id      string
	gateway *Client
	room    *Room
	sync    *Synchronizer
}

// Open joins the session's room, then fetches its history. Joining first
// means no message committed in between is missed; duplicates are merged by id.
func Open(ctx context.Context, gateway *Client, wsURL, sessionID string) (*Session, error) {
	view := NewSynchronizer(gateway.Principal().ID)
	s := &Session{id: sessionID, gateway: gateway, sync: view}

	room, err := DialRoom(ctx, wsURL, gateway.Principal(), func(ev protocol.Event) {
		if ev.SessionID == sessionID {
			view.ApplyEvent(ev)
		}
	})
	if err != nil {
		return nil, err
	}
	s.room = room

	if err := room.Join(ctx, sessionID); err != nil {
		room.Close()
		return nil, fmt.Errorf("join %s: %w", sessionID, err)
	}
	history, err := gateway.History(ctx, sessionID)
	if err != nil {
		room.Close()
		return nil, fmt.Errorf("fetch history %s: %w", sessionID, err)
	}
	view.ApplySnapshot(*history)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Synchronizer exposes the underlying view, e.g. to register OnChange.
func (s *Session) Synchronizer() *Synchronizer {
	return s.sync
}

// Messages renders the current view.
func (s *Session) Messages() []Entry {
	return s.sync.Render()
}

// Closed reports whether sending is disabled.
func (s *Session) Closed() bool {
	return s.sync.Closed()
}

// Done is closed when the room connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.room.Done()
}

// Send appends content optimistically and confirms it with the gateway. On
// failure the entry stays in the view in error state and can be retried.
func (s *Session) Send(ctx context.Context, content string) (Entry, error) {
	entry, err := s.sync.BeginSend(content)
	if err != nil {
		return Entry{}, err
	}
	return s.deliver(ctx, entry)
}

// Retry resends a failed entry with its original idempotency key.
func (s *Session) Retry(ctx context.Context, tempID string) (Entry, error) {
	entry, err := s.sync.Retry(tempID)
	if err != nil {
		return Entry{}, err
	}
	return s.deliver(ctx, entry)
}

func (s *Session) deliver(ctx context.Context, entry Entry) (Entry, error) {
	tempID := entry.Message.MessageID
	msg, err := s.gateway.AppendMessage(ctx, AppendParams{
		SessionID:      s.id,
		Content:        entry.Message.Content,
		IdempotencyKey: tempID,
		ConnectionID:   s.room.ConnectionID(),
	})
	if err != nil {
		if committed, ok := s.reconcile(ctx, tempID, err); ok {
			return committed, nil
		}
		if domain.IsKind(err, domain.KindInvalidState) {
			s.sync.MarkClosed()
		}
		s.sync.Fail(tempID, err)
		entry.Status = EntryError
		entry.Err = err
		return entry, err
	}
	s.sync.Confirm(tempID, *msg)
	return Entry{Message: *msg, Status: EntrySent}, nil
}

// reconcile refetches history after a send whose outcome may hide an earlier
// commit of the same key: an unknown outcome, or a session closed since then.
// It reports the committed entry when history holds one.
func (s *Session) reconcile(ctx context.Context, tempID string, sendErr error) (Entry, bool) {
	if !domain.IsKind(sendErr, domain.KindInvalidState) && !domain.IsKind(sendErr, domain.KindUnknown) {
		return Entry{}, false
	}
	history, err := s.gateway.History(ctx, s.id)
	if err != nil {
		return Entry{}, false
	}
	s.sync.ApplySnapshot(*history)
	return s.sync.Committed(tempID)
}

// Close leaves the room and closes the connection. The session itself stays open.
func (s *Session) Close(ctx context.Context) error {
	_ = s.room.Leave(ctx, s.id)
	return s.room.Close()
}
