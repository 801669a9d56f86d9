// Package chatclient is the client side of a support chat session: a
// reconciling view of the session log plus the HTTP and websocket clients
// that feed it.
package chatclient

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/protocol"
)

// TempIDPrefix marks ids generated locally for unconfirmed messages.
const TempIDPrefix = "tmp_"

// EntryStatus is the delivery state of a rendered entry.
type EntryStatus string

const (
	EntrySending EntryStatus = "sending"
	EntrySent    EntryStatus = "sent"
	EntryError   EntryStatus = "error"
)

var (
	// ErrUnknownEntry is returned for a temp id the synchronizer does not hold.
	ErrUnknownEntry = errors.New("unknown pending entry")
	// ErrNotRetryable is returned when retrying an entry that has not failed.
	ErrNotRetryable = errors.New("entry is not in error state")
)

// Entry is one rendered line of the session. Pending entries carry their
// temp id in Message.MessageID and have no position.
type Entry struct {
	Message domain.Message
	Status  EntryStatus
	Err     error

	seq uint64
}

// Pending reports whether the entry is not yet confirmed by the server.
func (e Entry) Pending() bool {
	return e.Status != EntrySent
}

// Synchronizer merges history snapshots, room events and local sends into
// one view. Every observer fed the same facts renders the same order,
// whatever order the facts arrived in.
type Synchronizer struct {
	mu       sync.Mutex
	senderID string
	// confirmed entries by server message id
	confirmed map[string]*Entry
	// pending entries by temp id
	pending  map[string]*Entry
	closed   bool
	seq      uint64
	onChange func()
}

// NewSynchronizer creates an empty view for senderID.
func NewSynchronizer(senderID string) *Synchronizer {
	return &Synchronizer{
		senderID:  senderID,
		confirmed: make(map[string]*Entry),
		pending:   make(map[string]*Entry),
	}
}

// OnChange registers fn to run after every change. fn runs without the lock held.
func (s *Synchronizer) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Synchronizer) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ApplySnapshot merges a history snapshot. Entries already held win.
func (s *Synchronizer) ApplySnapshot(h domain.HistoryResponse) {
	s.mu.Lock()
	for _, msg := range h.Messages {
		s.insertLocked(msg)
	}
	if h.Status == domain.SessionStatusClosed {
		s.closed = true
	}
	s.mu.Unlock()
	s.changed()
}

// ApplyEvent merges a room event. Unknown event types are ignored.
func (s *Synchronizer) ApplyEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeMessage:
		if ev.Message != nil {
			s.ApplyMessage(*ev.Message)
		}
	case protocol.TypeSessionClosed:
		s.MarkClosed()
	}
}

// ApplyMessage inserts a confirmed message. It reports whether the view changed.
func (s *Synchronizer) ApplyMessage(msg domain.Message) bool {
	s.mu.Lock()
	added := s.insertLocked(msg)
	s.mu.Unlock()
	if added {
		s.changed()
	}
	return added
}

// insertLocked adds msg unless its id is present. A pending entry whose temp
// id the server echoed back as the client message id is superseded.
func (s *Synchronizer) insertLocked(msg domain.Message) bool {
	if _, ok := s.confirmed[msg.MessageID]; ok {
		return false
	}
	s.seq++
	s.confirmed[msg.MessageID] = &Entry{Message: msg, Status: EntrySent, seq: s.seq}
	if msg.ClientMessageID != "" {
		delete(s.pending, msg.ClientMessageID)
	}
	return true
}

// MarkClosed disables sending. It is never reverted.
func (s *Synchronizer) MarkClosed() {
	s.mu.Lock()
	was := s.closed
	s.closed = true
	s.mu.Unlock()
	if !was {
		s.changed()
	}
}

// Closed reports whether the session is known to be closed.
func (s *Synchronizer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// BeginSend adds an optimistic entry for content. The returned entry's
// Message.MessageID is the temp id, also used as the idempotency key.
func (s *Synchronizer) BeginSend(content string) (Entry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Entry{}, domain.ErrSessionClosed
	}
	tempID := TempIDPrefix + uuid.New().String()
	s.seq++
	e := &Entry{
		Message: domain.Message{
			MessageID:       tempID,
			SenderID:        s.senderID,
			Content:         content,
			ClientMessageID: tempID,
			CreatedAt:       time.Now().UTC(),
		},
		Status: EntrySending,
		seq:    s.seq,
	}
	s.pending[tempID] = e
	out := *e
	s.mu.Unlock()
	s.changed()
	return out, nil
}

// Confirm replaces the pending entry tempID with the server's message. If the
// message already arrived by broadcast or snapshot, the temp entry is dropped.
func (s *Synchronizer) Confirm(tempID string, msg domain.Message) {
	s.mu.Lock()
	delete(s.pending, tempID)
	s.insertLocked(msg)
	s.mu.Unlock()
	s.changed()
}

// Fail marks the pending entry tempID as failed. A no-op if the server copy
// has already superseded it.
func (s *Synchronizer) Fail(tempID string, err error) {
	s.mu.Lock()
	e, ok := s.pending[tempID]
	if ok {
		e.Status = EntryError
		e.Err = err
	}
	s.mu.Unlock()
	if ok {
		s.changed()
	}
}

// Committed returns the confirmed entry the server recorded for tempID, if any.
func (s *Synchronizer) Committed(tempID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[tempID]; ok {
		return Entry{}, false
	}
	for _, e := range s.confirmed {
		if e.Message.ClientMessageID == tempID {
			return *e, true
		}
	}
	return Entry{}, false
}

// Retry moves a failed entry back to sending and returns it. The temp id and
// so the idempotency key are unchanged.
func (s *Synchronizer) Retry(tempID string) (Entry, error) {
	s.mu.Lock()
	e, ok := s.pending[tempID]
	switch {
	case !ok:
		s.mu.Unlock()
		return Entry{}, ErrUnknownEntry
	case s.closed:
		s.mu.Unlock()
		return Entry{}, domain.ErrSessionClosed
	case e.Status != EntryError:
		s.mu.Unlock()
		return Entry{}, ErrNotRetryable
	}
	e.Status = EntrySending
	e.Err = nil
	out := *e
	s.mu.Unlock()
	s.changed()
	return out, nil
}

// Render returns confirmed entries by server position followed by pending
// entries in local creation order.
func (s *Synchronizer) Render() []Entry {
	s.mu.Lock()
	confirmed := make([]Entry, 0, len(s.confirmed))
	for _, e := range s.confirmed {
		confirmed = append(confirmed, *e)
	}
	pending := make([]Entry, 0, len(s.pending))
	for _, e := range s.pending {
		pending = append(pending, *e)
	}
	s.mu.Unlock()

	sort.Slice(confirmed, func(i, j int) bool {
		a, b := confirmed[i].Message, confirmed[j].Message
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.MessageID < b.MessageID
	})
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].seq < pending[j].seq
	})
	return append(confirmed, pending...)
}
