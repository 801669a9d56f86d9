// Package notify hands best-effort notifications to the delivery collaborator.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// Notifier delivers a notification. Callers treat failures as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// LogNotifier writes notifications to the log. Used when no outbox is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, note domain.Notification) error {
	n.logger.Info().
		Str("recipient", note.Recipient).
		Str("subject", note.Subject).
		Msg("notification")
	return nil
}

// outboxRecord is the JSON document pushed to the outbox list.
type outboxRecord struct {
	domain.Notification
	QueuedAt time.Time `json:"queuedAt"`
}

// RedisNotifier pushes notifications onto a Redis list consumed by the
// delivery worker.
type RedisNotifier struct {
	client *redis.Client
	key    string
}

// NewRedisNotifier creates a notifier that LPUSHes to <prefix>notifications.
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	return &RedisNotifier{client: client, key: prefix + "notifications"}
}

// Key returns the outbox list key.
func (n *RedisNotifier) Key() string {
	return n.key
}

// Notify enqueues the notification.
func (n *RedisNotifier) Notify(ctx context.Context, note domain.Notification) error {
	data, err := json.Marshal(outboxRecord{Notification: note, QueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := n.client.LPush(ctx, n.key, data).Err(); err != nil {
		return domain.Wrap(domain.ErrUnavailable, fmt.Errorf("redis lpush: %w", err))
	}
	return nil
}

// Dispatcher runs notifications in the background with their own timeout so
// callers never wait on delivery.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	onError  func()
}

// NewDispatcher wraps a notifier. onError, if non-nil, is called for every failed delivery.
func NewDispatcher(notifier Notifier, timeout time.Duration, logger zerolog.Logger, onError func()) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, logger: logger, onError: onError}
}

// Dispatch sends n in a new goroutine. The returned channel is closed when
// the attempt finishes.
func (d *Dispatcher) Dispatch(n domain.Notification) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, n); err != nil {
			d.logger.Warn().Err(err).Str("recipient", n.Recipient).Msg("notification failed")
			if d.onError != nil {
				d.onError()
			}
		}
	}()
	return done
}
