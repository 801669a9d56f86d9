// Package bus relays room events between server instances over Redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/protocol"
)

// LocalBroadcaster delivers a serialized frame to this instance's room members.
type LocalBroadcaster interface {
	Broadcast(ctx context.Context, sessionID string, data []byte, exceptConnectionID string) error
}

// envelope is the payload published on a room channel.
type envelope struct {
	Origin string          `json:"origin"`
	Except string          `json:"except,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// RedisBus publishes room events to Redis and relays events published by
// other instances to the local hub.
type RedisBus struct {
	client         *redis.Client
	prefix         string
	instanceID     string
	local          LocalBroadcaster
	logger         zerolog.Logger
	publishTimeout time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisBus creates a bus on an existing client.
func NewRedisBus(client *redis.Client, prefix, instanceID string, local LocalBroadcaster, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:         client,
		prefix:         prefix,
		instanceID:     instanceID,
		local:          local,
		logger:         logger.With().Str("component", "bus").Logger(),
		publishTimeout: 2 * time.Second,
		ready:          make(chan struct{}),
	}
}

func (b *RedisBus) channel(sessionID string) string {
	return b.prefix + "room:" + sessionID
}

// Publish delivers the event to local room members and then to other
// instances. A Redis failure is reported as domain.ErrUnavailable after the
// local delivery has been attempted.
func (b *RedisBus) Publish(ctx context.Context, sessionID string, event protocol.Event, exceptConnectionID string) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	localErr := b.local.Broadcast(ctx, sessionID, data, exceptConnectionID)

	payload, err := json.Marshal(envelope{Origin: b.instanceID, Except: exceptConnectionID, Event: data})
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.client.Publish(pubCtx, b.channel(sessionID), payload).Err(); err != nil {
		return domain.Wrap(domain.ErrUnavailable, fmt.Errorf("redis publish: %w", err))
	}
	return localErr
}

// Ready is closed once the relay subscription is confirmed.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Run relays events from other instances until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"room:*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info().Str("instance_id", b.instanceID).Msg("room relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			b.relay(ctx, msg)
		}
	}
}

func (b *RedisBus) relay(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed room event")
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	sessionID := strings.TrimPrefix(msg.Channel, b.prefix+"room:")
	if err := b.local.Broadcast(ctx, sessionID, env.Event, env.Except); err != nil {
		b.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to relay room event")
	}
}
