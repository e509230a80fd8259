package config

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/upsitesolutions/sir/internal/domain"
	pkgconfig "github.com/upsitesolutions/sir/pkg/config"
	"github.com/upsitesolutions/sir/pkg/database"
	"github.com/upsitesolutions/sir/pkg/tracing"
)

// Dispatcher backends.
const (
	DispatcherSolr          = "solr"
	DispatcherElasticsearch = "elasticsearch"
	DispatcherMemory        = "memory"
)

// Config holds all configuration for the reindex listener and CLI.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"REINDEX_HTTP_PORT" envDefault:"7151"`

	// PostgreSQL
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"musicbrainz"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"musicbrainz"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"musicbrainz_db"`
	PostgresSSLMode  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA" envDefault:"musicbrainz"`

	// Database pool
	DBMaxConns               int32 `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns               int32 `env:"DB_MIN_CONNS" envDefault:"1"`
	DBMaxConnLifetimeMinutes int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMinutes int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`
	LogSlowQueryMS           int   `env:"LOG_SLOW_QUERY_MS" envDefault:"200"`

	// Search backend (solr, elasticsearch or memory)
	Dispatcher               string `env:"DISPATCHER" envDefault:"solr"`
	SolrURL                  string `env:"SOLR_URL" envDefault:"http://localhost:8983/solr"`
	SolrCorePrefix           string `env:"SOLR_CORE_PREFIX" envDefault:""`
	ElasticsearchURL         string `env:"ELASTICSEARCH_URL" envDefault:"http://localhost:9200"`
	ElasticsearchIndexPrefix string `env:"ELASTICSEARCH_INDEX_PREFIX" envDefault:"musicbrainz-"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"sir-reindex"`

	// Redis (empty address keeps idempotency keys in memory)
	RedisAddr             string `env:"REDIS_ADDR" envDefault:""`
	RedisPassword         string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB               int    `env:"REDIS_DB" envDefault:"0"`
	IdempotencyTTLMinutes int    `env:"IDEMPOTENCY_TTL_MINUTES" envDefault:"1440"`

	// Timeouts (0 = unbounded)
	StoreTimeoutSeconds    int `env:"STORE_TIMEOUT_SECONDS" envDefault:"0"`
	DispatchTimeoutSeconds int `env:"DISPATCH_TIMEOUT_SECONDS" envDefault:"0"`

	NotFoundStatus  int      `env:"NOT_FOUND_STATUS" envDefault:"500"`
	OverrideSources []string `env:"OVERRIDE_SOURCES" envSeparator:","`

	// OpenTelemetry
	OTelEnabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTelSampleRate   float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Empty keeps the pprof routes unmounted.
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envSeparator:","`

	overrides  []domain.OverrideSource
	pprofAllow []netip.Prefix
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load reindex config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom is like Load but reads environ instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.LoadFrom(cfg, environ); err != nil {
		return nil, fmt.Errorf("load reindex config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("invalid Postgres port: %d", c.PostgresPort)
	}
	if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid pool size: min %d, max %d", c.DBMinConns, c.DBMaxConns)
	}

	switch c.Dispatcher {
	case DispatcherSolr:
		if err := checkURL("SOLR_URL", c.SolrURL); err != nil {
			return err
		}
	case DispatcherElasticsearch:
		if err := checkURL("ELASTICSEARCH_URL", c.ElasticsearchURL); err != nil {
			return err
		}
	case DispatcherMemory:
	default:
		return fmt.Errorf("invalid DISPATCHER %q: must be solr, elasticsearch or memory", c.Dispatcher)
	}

	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	if c.RedisAddr != "" {
		if _, _, err := c.redisHostPort(); err != nil {
			return fmt.Errorf("invalid REDIS_ADDR %q: %w", c.RedisAddr, err)
		}
	}
	if c.IdempotencyTTLMinutes < 1 {
		return fmt.Errorf("invalid IDEMPOTENCY_TTL_MINUTES: %d", c.IdempotencyTTLMinutes)
	}
	if c.StoreTimeoutSeconds < 0 || c.DispatchTimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.NotFoundStatus != http.StatusNotFound && c.NotFoundStatus != http.StatusInternalServerError {
		return fmt.Errorf("invalid NOT_FOUND_STATUS %d: must be 404 or 500", c.NotFoundStatus)
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return fmt.Errorf("invalid OTEL_SAMPLE_RATE: %v", c.OTelSampleRate)
	}
	c.pprofAllow = c.pprofAllow[:0]
	for _, cidr := range c.PprofAllowedCIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return fmt.Errorf("invalid PPROF_ALLOWED_CIDRS entry %q: %w", cidr, err)
		}
		c.pprofAllow = append(c.pprofAllow, p.Masked())
	}

	sources, err := domain.ParseOverrideSources(c.OverrideSources)
	if err != nil {
		return fmt.Errorf("invalid OVERRIDE_SOURCES: %w", err)
	}
	c.overrides = sources
	return nil
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s %q: must be an absolute URL", key, raw)
	}
	return nil
}

func (c *Config) redisHostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.RedisAddr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// Sources returns the parsed override sources.
func (c *Config) Sources() []domain.OverrideSource {
	if c.overrides == nil {
		return domain.DefaultOverrideSources()
	}
	return c.overrides
}

// PprofAllow returns the parsed PPROF_ALLOWED_CIDRS.
func (c *Config) PprofAllow() []netip.Prefix {
	return c.pprofAllow
}

// Postgres builds the pool configuration.
func (c *Config) Postgres() database.PostgresConfig {
	pg := database.DefaultPostgresConfig()
	pg.Host = c.PostgresHost
	pg.Port = c.PostgresPort
	pg.User = c.PostgresUser
	pg.Password = c.PostgresPassword
	pg.DBName = c.PostgresDB
	pg.SSLMode = c.PostgresSSLMode
	pg.Schema = c.PostgresSchema
	pg.MaxConns = c.DBMaxConns
	pg.MinConns = c.DBMinConns
	pg.MaxConnLifetime = time.Duration(c.DBMaxConnLifetimeMinutes) * time.Minute
	pg.MaxConnIdleTime = time.Duration(c.DBMaxConnIdleTimeMinutes) * time.Minute
	return pg
}

// Redis builds the Redis client configuration. ok is false when
// REDIS_ADDR is empty.
func (c *Config) Redis() (database.RedisConfig, bool) {
	if c.RedisAddr == "" {
		return database.RedisConfig{}, false
	}
	host, port, err := c.redisHostPort()
	if err != nil {
		return database.RedisConfig{}, false
	}
	return database.RedisConfig{Host: host, Port: port, Password: c.RedisPassword, DB: c.RedisDB}, true
}

// Tracing builds the tracer configuration for service.
func (c *Config) Tracing(service string) tracing.Config {
	tc := tracing.DefaultConfig(service)
	tc.Environment = c.Environment
	tc.OTLPEndpoint = c.OTelEndpoint
	tc.SampleRate = c.OTelSampleRate
	tc.Enabled = c.OTelEnabled
	return tc
}

// SlowQueryThreshold is the duration above which queries log at WARN.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.LogSlowQueryMS) * time.Millisecond
}

// IdempotencyTTL is how long a reindexed edit is remembered.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMinutes) * time.Minute
}

// StoreTimeout bounds resolution. Zero means unbounded.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// DispatchTimeout bounds index updates. Zero means unbounded.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}
