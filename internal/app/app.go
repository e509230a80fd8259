package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upsitesolutions/sir/internal/config"
	"github.com/upsitesolutions/sir/internal/event"
	handler "github.com/upsitesolutions/sir/internal/handler/http"
	"github.com/upsitesolutions/sir/pkg/database"
	"github.com/upsitesolutions/sir/pkg/health"
	pkgkafka "github.com/upsitesolutions/sir/pkg/kafka"
	"github.com/upsitesolutions/sir/pkg/middleware"
	"github.com/upsitesolutions/sir/pkg/tracing"
)

// ServiceName identifies the listener in logs, metrics and traces.
const ServiceName = "sir-reindex"

// App wires together all dependencies and runs the reindex listener.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pipeline       *Pipeline
	consumers      []*pkgkafka.Consumer
	dlq            *pkgkafka.DLQProducer
	redis          *redis.Client
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing(ServiceName))
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	pipeline, err := NewPipeline(ctx, cfg, ServiceName, logger)
	if err != nil {
		_ = tracerShutdown(ctx)
		return nil, err
	}

	a := &App{
		cfg:            cfg,
		logger:         logger,
		pipeline:       pipeline,
		tracerShutdown: tracerShutdown,
	}

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", pipeline.Store.Ping)
	healthHandler.RegisterCritical("search", pipeline.Dispatcher.Ping)

	if cfg.KafkaEnabled {
		if err := a.initConsumers(ctx, healthHandler); err != nil {
			pipeline.Close()
			_ = tracerShutdown(ctx)
			return nil, err
		}
	}

	// HTTP router.
	router := handler.NewRouter(pipeline.Service, healthHandler, handler.RouterConfig{
		ServiceName:    ServiceName,
		NotFoundStatus: cfg.NotFoundStatus,
		PprofAllow:     cfg.PprofAllow(),
		Gatherer:       pipeline.Registry,
		Metrics:        middleware.NewHTTPMetrics(pipeline.Registry, ServiceName),
	}, logger)

	// No write timeout: the response waits for the dispatch to finish.
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return a, nil
}

func (a *App) initConsumers(ctx context.Context, healthHandler *health.Handler) error {
	store, client, err := NewIdempotencyStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.redis = client
	if client != nil {
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	a.dlq = pkgkafka.NewDLQProducer(a.cfg.KafkaBrokers, a.logger)
	metrics := pkgkafka.NewConsumerMetrics(a.pipeline.Registry)
	eventConsumer := event.NewConsumer(a.pipeline.Service, a.logger)

	for _, topic := range event.Topics() {
		consumerCfg := pkgkafka.ConsumerConfig{
			Brokers:  a.cfg.KafkaBrokers,
			GroupID:  a.cfg.KafkaGroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6, // 10 MB
		}
		c := pkgkafka.NewConsumer(consumerCfg, eventConsumer.Handle, a.logger,
			pkgkafka.WithDLQ(a.dlq),
			pkgkafka.WithMetrics(metrics),
			pkgkafka.WithIdempotency(store),
		)
		a.consumers = append(a.consumers, c)
	}
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return pkgkafka.PingBrokers(ctx, a.cfg.KafkaBrokers)
	})

	a.logger.Info("kafka consumers initialized",
		slog.Any("brokers", a.cfg.KafkaBrokers),
		slog.Int("topic_count", len(a.consumers)),
		slog.Bool("redis_idempotency", client != nil),
	)
	return nil
}

// NewIdempotencyStore returns a Redis-backed store when REDIS_ADDR is set
// and an in-memory one otherwise. The client is nil in the latter case.
func NewIdempotencyStore(ctx context.Context, cfg *config.Config) (pkgkafka.IdempotencyStore, *redis.Client, error) {
	rc, ok := cfg.Redis()
	if !ok {
		return pkgkafka.NewMemoryIdempotencyStore(cfg.IdempotencyTTL()), nil, nil
	}
	client, err := database.NewRedisClient(ctx, rc)
	if err != nil {
		return nil, nil, fmt.Errorf("init redis: %w", err)
	}
	return pkgkafka.NewRedisIdempotencyStore(client, cfg.IdempotencyTTL()), client, nil
}

// Run starts the HTTP server and Kafka consumers, blocking until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1+len(a.consumers))

	// Start Kafka consumers in background goroutines.
	for _, c := range a.consumers {
		go func() {
			if err := c.Start(ctx); err != nil {
				errCh <- fmt.Errorf("kafka consumer %s: %w", c.Topic(), err)
			}
		}()
	}

	// Start HTTP server.
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// In-flight reindex requests get 30 seconds to finish their dispatch.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// Close Kafka consumers.
	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.pipeline.Close()

	if err := a.tracerShutdown(shutdownCtx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
