package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/supportdesk/chatclient"
	"github.com/xiaot623/supportdesk/internal/domain"
)

func TestWSURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://desk.example.com/", "wss://desk.example.com/ws"},
	}
	for _, tt := range tests {
		g := &globalFlags{addr: tt.addr}
		assert.Equal(t, tt.want, g.wsURL())
	}
}

func TestClientRequiresPrincipal(t *testing.T) {
	_, err := (&globalFlags{addr: "http://x", role: "customer"}).client()
	assert.Error(t, err)

	_, err = (&globalFlags{addr: "http://x", principal: "cust_1", role: "owner"}).client()
	assert.Error(t, err)

	c, err := (&globalFlags{addr: "http://x", principal: "cust_1", role: "Business"}).client()
	require.NoError(t, err)
	assert.Equal(t, domain.RoleBusiness, c.Principal().Role)
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, []domain.Session{{
		SessionID:    "s1",
		CustomerID:   "cust_1",
		BusinessID:   "biz_1",
		Status:       domain.SessionStatusActive,
		LastPosition: 3,
		UpdatedAt:    time.Now(),
	}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "s1")
	assert.Contains(t, lines[1], "active")
}

func TestOpenRequiresBusiness(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"open", "--principal", "cust_1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "business")
}

func TestPrinterHoldsBackUntilGapFills(t *testing.T) {
	confirmed := func(pos int64, sender, content string) chatclient.Entry {
		return chatclient.Entry{
			Message: domain.Message{MessageID: fmt.Sprintf("msg_%d", pos), SenderID: sender, Content: content, Position: pos},
			Status:  chatclient.EntrySent,
		}
	}
	mine := confirmed(1, "cust_1", "hello")
	theirs := confirmed(2, "biz_1", "hi there")
	inFlight := chatclient.Entry{
		Message: domain.Message{MessageID: "tmp_1", SenderID: "cust_1", Content: "hello"},
		Status:  chatclient.EntrySending,
	}

	var buf bytes.Buffer
	p := newPrinter(&buf, "cust_1")

	// The broadcast for position 2 lands while our own send is unconfirmed.
	p.refresh([]chatclient.Entry{theirs, inFlight}, false)
	assert.Empty(t, buf.String())

	p.refresh([]chatclient.Entry{mine, theirs}, false)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "[1] "))
	assert.True(t, strings.HasSuffix(lines[0], "you: hello"))
	assert.True(t, strings.HasPrefix(lines[1], "[2] "))
	assert.True(t, strings.HasSuffix(lines[1], "biz_1: hi there"))

	// Nothing is printed twice.
	p.refresh([]chatclient.Entry{mine, theirs}, true)
	p.refresh([]chatclient.Entry{mine, theirs}, true)
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "-- session closed --", lines[2])
}
