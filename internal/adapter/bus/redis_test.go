package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/protocol"
)

type delivery struct {
	sessionID string
	data      []byte
	except    string
}

type recordingHub struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recordingHub) Broadcast(_ context.Context, sessionID string, data []byte, except string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{sessionID: sessionID, data: data, except: except})
	return nil
}

func (r *recordingHub) snapshot() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startBus(t *testing.T, b *RedisBus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-b.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not subscribe")
	}
}

func TestRelayBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	hubA, hubB := &recordingHub{}, &recordingHub{}
	busA := NewRedisBus(newClient(t, mr), "test:", "a", hubA, zerolog.Nop())
	busB := NewRedisBus(newClient(t, mr), "test:", "b", hubB, zerolog.Nop())
	startBus(t, busA)
	startBus(t, busB)

	event := protocol.NewMessageEvent(domain.Message{MessageID: "m1", SessionID: "s1", Content: "hi", Position: 1})
	require.NoError(t, busA.Publish(context.Background(), "s1", event, "conn_a"))

	// Local delivery on the publishing instance is immediate.
	local := hubA.snapshot()
	require.Len(t, local, 1)
	assert.Equal(t, "conn_a", local[0].except)

	require.Eventually(t, func() bool { return len(hubB.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := hubB.snapshot()[0]
	assert.Equal(t, "s1", got.sessionID)
	assert.Equal(t, "conn_a", got.except)

	var ev protocol.Event
	require.NoError(t, json.Unmarshal(got.data, &ev))
	assert.Equal(t, protocol.TypeMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "m1", ev.Message.MessageID)

	// The publisher ignores its own echo.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, hubA.snapshot(), 1)
}

func TestPublishRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	local := &recordingHub{}
	b := NewRedisBus(newClient(t, mr), "test:", "a", local, zerolog.Nop())
	mr.Close()

	event := protocol.NewSessionClosedEvent(domain.Session{SessionID: "s1", Status: domain.SessionStatusClosed})
	err := b.Publish(context.Background(), "s1", event, "")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Len(t, local.snapshot(), 1)
}

func TestRelayDropsMalformedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	local := &recordingHub{}
	b := NewRedisBus(newClient(t, mr), "test:", "a", local, zerolog.Nop())
	startBus(t, b)

	mr.Publish("test:room:s1", "not json")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, local.snapshot())
}
