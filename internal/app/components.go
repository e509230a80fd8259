package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/upsitesolutions/sir/internal/config"
	"github.com/upsitesolutions/sir/internal/dispatch"
	esdispatch "github.com/upsitesolutions/sir/internal/dispatch/elasticsearch"
	dispatchmem "github.com/upsitesolutions/sir/internal/dispatch/memory"
	"github.com/upsitesolutions/sir/internal/dispatch/solr"
	"github.com/upsitesolutions/sir/internal/repository"
	"github.com/upsitesolutions/sir/internal/repository/postgres"
	"github.com/upsitesolutions/sir/internal/resolver"
	"github.com/upsitesolutions/sir/internal/service"
	"github.com/upsitesolutions/sir/pkg/database"
	"github.com/upsitesolutions/sir/pkg/httpclient"
)

// Pipeline is the reindex pipeline shared by the listener and the CLI.
type Pipeline struct {
	Service    *service.ReindexService
	Store      *postgres.Store
	Dispatcher dispatch.Dispatcher
	Registry   *prometheus.Registry

	pool *pgxpool.Pool
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewPipeline connects to Postgres and the configured search backend.
func NewPipeline(ctx context.Context, cfg *config.Config, serviceName string, logger *slog.Logger) (*Pipeline, error) {
	reg := NewRegistry()

	pgCfg := cfg.Postgres()
	pgCfg.ApplicationName = serviceName
	pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := database.RegisterPoolMetrics(reg, pool, serviceName); err != nil {
		pool.Close()
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}
	logger.Info("connected to postgres",
		slog.String("host", pgCfg.Host),
		slog.String("database", pgCfg.DBName),
		slog.String("schema", pgCfg.Schema),
	)

	store := postgres.NewStore(pool, database.NewQueryTracer(cfg.SlowQueryThreshold(), logger))

	d, err := NewDispatcher(ctx, cfg, store, reg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	svc := service.NewReindexService(resolver.New(store, logger), d, logger, service.Options{
		StoreTimeout:    cfg.StoreTimeout(),
		DispatchTimeout: cfg.DispatchTimeout(),
		Sources:         cfg.Sources(),
		Metrics:         service.NewMetrics(reg),
	})

	return &Pipeline{
		Service:    svc,
		Store:      store,
		Dispatcher: d,
		Registry:   reg,
		pool:       pool,
	}, nil
}

// Close releases the database pool.
func (p *Pipeline) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// NewDispatcher builds the dispatcher selected by cfg.Dispatcher.
func NewDispatcher(
	ctx context.Context,
	cfg *config.Config,
	loader repository.DocumentLoader,
	reg prometheus.Registerer,
	logger *slog.Logger,
) (dispatch.Dispatcher, error) {
	switch cfg.Dispatcher {
	case config.DispatcherMemory:
		logger.Info("in-memory dispatcher initialized")
		return dispatchmem.New(), nil

	case config.DispatcherSolr:
		metrics, err := httpclient.NewBreakerMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("register breaker metrics: %w", err)
		}
		client := httpclient.NewCircuitBreakerClient(
			httpclient.New(httpclient.DefaultConfig()),
			httpclient.DefaultBreakerConfig("solr"),
			metrics,
			logger,
		)
		w, err := solr.New(solr.Config{BaseURL: cfg.SolrURL, CorePrefix: cfg.SolrCorePrefix}, client, logger)
		if err != nil {
			return nil, fmt.Errorf("init solr dispatcher: %w", err)
		}
		logger.Info("solr dispatcher initialized", slog.String("url", cfg.SolrURL))
		return dispatch.NewBatched(w, loader, logger), nil

	case config.DispatcherElasticsearch:
		w, err := esdispatch.New(ctx, cfg.ElasticsearchURL, cfg.ElasticsearchIndexPrefix, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("init elasticsearch dispatcher: %w", err)
		}
		logger.Info("elasticsearch dispatcher initialized",
			slog.String("url", cfg.ElasticsearchURL),
			slog.String("index_prefix", cfg.ElasticsearchIndexPrefix),
		)
		return dispatch.NewBatched(w, loader, logger), nil

	default:
		return nil, errors.New("unknown dispatcher " + cfg.Dispatcher)
	}
}
