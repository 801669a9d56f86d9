package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/supportdesk/internal/adapter/bus"
	"github.com/xiaot623/supportdesk/internal/adapter/notify"
	"github.com/xiaot623/supportdesk/internal/config"
	"github.com/xiaot623/supportdesk/internal/hub"
	"github.com/xiaot623/supportdesk/internal/logging"
	"github.com/xiaot623/supportdesk/internal/metrics"
	"github.com/xiaot623/supportdesk/internal/repository"
	"github.com/xiaot623/supportdesk/internal/service"
	"github.com/xiaot623/supportdesk/internal/telemetry"
	httpserver "github.com/xiaot623/supportdesk/internal/transport/http"
	"github.com/xiaot623/supportdesk/internal/transport/ws"
	"github.com/xiaot623/supportdesk/policy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("supportdesk stopped")
	}
	logger.Info().Msg("supportdesk stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	logger = logger.With().Str("instance_id", cfg.InstanceID).Logger()
	logger.Info().
		Int("port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Bool("redis", cfg.RedisURL != "").
		Msg("starting supportdesk")

	// Initialize tracing
	tracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.TraceServiceName,
		Exporter:     cfg.TracesExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	// Initialize policy engine
	policyEngine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		return fmt.Errorf("init policy engine: %w", err)
	}

	connectionHub := hub.NewHub(logger)

	// Redis relays room events between instances and holds the notification outbox.
	var (
		broadcaster service.Broadcaster = connectionHub
		notifier    notify.Notifier     = notify.NewLogNotifier(logger)
		roomBus     *bus.RedisBus
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		redisClient, err = bus.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer redisClient.Close()
		roomBus = bus.NewRedisBus(redisClient, cfg.RedisPrefix, cfg.InstanceID, connectionHub, logger)
		broadcaster = roomBus
		notifier = notify.NewRedisNotifier(redisClient, cfg.RedisPrefix)
	}
	dispatcher := notify.NewDispatcher(notifier, cfg.NotifyTimeout, logger, metrics.NotificationFailures.Inc)

	svc := service.New(store, broadcaster, policyEngine, dispatcher, logger, service.Options{
		RequestTimeout:  cfg.RequestTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})

	wsServer := ws.NewServer(ws.Options{
		PingInterval:   cfg.WSPingInterval,
		WriteTimeout:   cfg.WSWriteTimeout,
		ReadTimeout:    cfg.WSReadTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		RateLimit:      cfg.WSRateLimit,
		RateBurst:      cfg.WSRateBurst,
	}, connectionHub, svc, logger)
	server := httpserver.NewServer(svc, wsServer, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return connectionHub.Run(gctx)
	})
	if roomBus != nil {
		g.Go(func() error {
			return roomBus.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr()).Msg("http server listening")
		if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore opens the configured store backing.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	opts := repository.Options{MaxMessageBytes: cfg.MaxMessageBytes}
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return repository.NewMemoryStore(opts), nil
	case config.StorePostgres:
		return repository.NewPostgresStore(ctx, cfg.DatabaseURL, opts)
	default:
		return repository.NewSQLiteStore(cfg.DatabaseURL, opts)
	}
}
