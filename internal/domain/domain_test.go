package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"sentinel", ErrSessionNotFound, KindNotFound},
		{"wrapped sentinel", fmt.Errorf("append: %w", ErrSessionClosed), KindInvalidState},
		{"wrap with cause", Wrap(ErrUnavailable, errors.New("database is locked")), KindUnavailable},
		{"deadline", context.DeadlineExceeded, KindUnavailable},
		{"canceled", fmt.Errorf("get session: %w", context.Canceled), KindUnavailable},
		{"unknown outcome", Wrap(ErrUnknownOutcome, context.DeadlineExceeded), KindUnknown},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := Invalid(ErrInvalidMessage, "content is empty")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.NotErrorIs(t, err, ErrInvalidParticipants)
	assert.Contains(t, err.Error(), "content is empty")

	cause := errors.New("conn reset")
	wrapped := Wrap(ErrUnavailable, cause)
	assert.ErrorIs(t, wrapped, ErrUnavailable)
	assert.ErrorIs(t, wrapped, cause)
}

func TestValidateParticipants(t *testing.T) {
	assert.NoError(t, ValidateParticipants("cust_1", "biz_1"))
	assert.ErrorIs(t, ValidateParticipants("", "biz_1"), ErrInvalidParticipants)
	assert.ErrorIs(t, ValidateParticipants("cust_1", ""), ErrInvalidParticipants)
	assert.ErrorIs(t, ValidateParticipants("same", "same"), ErrInvalidParticipants)
	assert.ErrorIs(t, ValidateParticipants("has space", "biz_1"), ErrInvalidParticipants)
	assert.ErrorIs(t, ValidateParticipants(strings.Repeat("a", MaxParticipantIDLength+1), "biz_1"), ErrInvalidParticipants)
}

func TestValidateContent(t *testing.T) {
	assert.NoError(t, ValidateContent("hello", 0))
	assert.ErrorIs(t, ValidateContent("", 0), ErrInvalidMessage)
	assert.ErrorIs(t, ValidateContent("  \n\t", 0), ErrInvalidMessage)
	assert.ErrorIs(t, ValidateContent("toolong", 3), ErrInvalidMessage)
	assert.ErrorIs(t, ValidateContent(string([]byte{0xff, 0xfe}), 0), ErrInvalidMessage)
}

func TestSessionHelpers(t *testing.T) {
	s := Session{CustomerID: "c", BusinessID: "b", Status: SessionStatusActive}
	assert.False(t, s.IsClosed())
	assert.True(t, s.HasParticipant("c"))
	assert.True(t, s.HasParticipant("b"))
	assert.False(t, s.HasParticipant(""))
	assert.False(t, s.HasParticipant("x"))
	assert.True(t, Principal{ID: "a", Role: RoleAdmin}.IsAdmin())
	assert.True(t, RoleBusiness.Valid())
	assert.False(t, Role("root").Valid())
}
