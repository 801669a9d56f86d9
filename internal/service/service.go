// Package service implements the session gateway: access control, lifecycle
// checks, durable appends and room fan-out.
package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/supportdesk/internal/adapter/notify"
	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/metrics"
	"github.com/xiaot623/supportdesk/internal/protocol"
	"github.com/xiaot623/supportdesk/internal/repository"
	"github.com/xiaot623/supportdesk/internal/telemetry"
	"github.com/xiaot623/supportdesk/policy"
)

// Broadcaster publishes room events. Implemented by the in-process hub and
// the Redis bus.
type Broadcaster interface {
	Publish(ctx context.Context, sessionID string, event protocol.Event, exceptConnectionID string) error
}

// Options tune the gateway.
type Options struct {
	// RequestTimeout bounds every operation. Zero means 10s.
	RequestTimeout time.Duration
	// PublishTimeout bounds a broadcast after the durable write. Zero means 2s.
	PublishTimeout time.Duration
	// RetryInterval is the first backoff interval before retrying an
	// unavailable store. Zero means 100ms.
	RetryInterval time.Duration
	// MaxMessageBytes bounds message content. Zero selects the domain default.
	MaxMessageBytes int
}

// Service is the session gateway.
type Service struct {
	store       repository.Store
	broadcaster Broadcaster
	policy      *policy.Engine
	notifier    *notify.Dispatcher
	logger      zerolog.Logger
	tracer      trace.Tracer
	opts        Options
}

// New creates a gateway. notifier may be nil to disable notifications.
func New(store repository.Store, broadcaster Broadcaster, policyEngine *policy.Engine, notifier *notify.Dispatcher, logger zerolog.Logger, opts Options) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	return &Service{
		store:       store,
		broadcaster: broadcaster,
		policy:      policyEngine,
		notifier:    notifier,
		logger:      logger.With().Str("component", "gateway").Logger(),
		tracer:      telemetry.Tracer(),
		opts:        opts,
	}
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// start opens a span and applies the request timeout.
func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	ctx, span := s.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(domain.KindOf(err)))
		}
		span.End()
		cancel()
	}
}

// checkPrincipal rejects callers without an id or with an unknown role.
func checkPrincipal(p domain.Principal) error {
	if p.ID == "" || !p.Role.Valid() {
		return domain.ErrForbidden
	}
	return nil
}

func sessionRef(session *domain.Session) policy.SessionRef {
	return policy.SessionRef{CustomerID: session.CustomerID, BusinessID: session.BusinessID}
}

// fail logs and classifies an operation error. Engine detail is replaced by
// a generic message for unavailable and internal errors.
func (s *Service) fail(op string, err error) error {
	kind := domain.KindOf(err)
	metrics.GatewayErrors.WithLabelValues(op, string(kind)).Inc()

	switch kind {
	case domain.KindUnavailable:
		s.logger.Warn().Err(err).Str("op", op).Msg("store unavailable")
		return domain.ErrUnavailable
	case domain.KindUnknown:
		s.logger.Warn().Err(err).Str("op", op).Msg("operation outcome unknown")
		return domain.ErrUnknownOutcome
	case domain.KindInternal:
		s.logger.Error().Err(err).Str("op", op).Msg("operation failed")
		return domain.ErrInternal
	}
	return err
}

// retry runs fn once more after a backoff when it fails with an unavailable
// error. Other errors, and any failure once ctx is done, are returned immediately.
func retry[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		if attempt > 0 {
			metrics.StoreRetries.WithLabelValues(op).Inc()
		}
		attempt++
		v, err := fn(ctx)
		if err != nil && (ctx.Err() != nil || !domain.IsKind(err, domain.KindUnavailable)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(2))
}

// loadSession reads a session with the read retry policy.
func (s *Service) loadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, domain.ErrSessionNotFound
	}
	return retry(ctx, s, "get_session", func(ctx context.Context) (*domain.Session, error) {
		return s.store.GetSession(ctx, sessionID)
	})
}

// publish fans an event out after the durable write. It outlives the request
// context and never fails the caller.
func (s *Service) publish(ctx context.Context, sessionID string, event protocol.Event, except string) {
	if s.broadcaster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PublishTimeout)
	defer cancel()

	if err := s.broadcaster.Publish(ctx, sessionID, event, except); err != nil {
		metrics.BroadcastFailures.Inc()
		s.logger.Warn().Err(err).Str("session_id", sessionID).Str("type", event.Type).Msg("broadcast failed")
		return
	}
	metrics.BroadcastPublished.WithLabelValues(event.Type).Inc()
}

func (s *Service) notify(n domain.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(n)
}
