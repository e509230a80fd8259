package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/upsitesolutions/sir/pkg/logger"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 100 * time.Millisecond
)

// Handler reindexes from one change event.
type Handler func(ctx context.Context, ev *ChangeEvent) error

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterPublisher receives messages that could not be processed.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, msg kafka.Message, lastErr error, consumerGroup string) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The consumer sends the message
// straight to the DLQ (if any) and commits it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers      []string
	GroupID      string
	Topic        string
	MinBytes     int
	MaxBytes     int
	MaxRetries   int
	RetryBackoff time.Duration
}

// ConsumerOption configures optional consumer collaborators.
type ConsumerOption func(*Consumer)

// WithReader replaces the kafka-go reader, mainly for tests.
func WithReader(r Reader) ConsumerOption {
	return func(c *Consumer) { c.reader = r }
}

// WithDLQ sends messages that exhaust their retries to the dead-letter queue.
func WithDLQ(d DeadLetterPublisher) ConsumerOption {
	return func(c *Consumer) { c.dlq = d }
}

// WithMetrics records consumer metrics.
func WithMetrics(m *ConsumerMetrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithIdempotency skips change events whose dedup key is already claimed.
func WithIdempotency(store IdempotencyStore) ConsumerOption {
	return func(c *Consumer) { c.idempotency = store }
}

// Consumer reads change events from one topic and hands them to a Handler.
type Consumer struct {
	reader      Reader
	topic       string
	group       string
	handler     Handler
	logger      *slog.Logger
	dlq         DeadLetterPublisher
	metrics     *ConsumerMetrics
	idempotency IdempotencyStore
	maxRetries  int
	backoff     time.Duration
	closeOnce   sync.Once
}

// NewConsumer creates a new Kafka consumer for a specific topic and group.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		topic:      cfg.Topic,
		group:      cfg.GroupID,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.backoff <= 0 {
		c.backoff = defaultRetryBackoff
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reader == nil {
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		})
	}

	c.handler = handler
	if c.idempotency != nil {
		c.handler = deduplicate(c.idempotency, handler, logger, func(*ChangeEvent) {
			c.count(func(m *ConsumerMetrics) *prometheus.CounterVec { return m.Duplicate })
		})
	}
	return c
}

// Topic returns the topic this consumer reads.
func (c *Consumer) Topic() string { return c.topic }

// Start begins consuming messages. It blocks until the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started",
		slog.String("topic", c.topic),
		slog.String("group", c.group),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", slog.String("topic", c.topic))
				return c.Close()
			}
			c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
			continue
		}
		c.process(ctx, msg)
	}
}

// process handles one message and always commits it, either after success
// or after it has been dead-lettered.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	start := time.Now()
	c.count(func(m *ConsumerMetrics) *prometheus.CounterVec { return m.Received })

	ev, err := DecodeChangeEvent(msg)
	if err != nil {
		c.logger.Error("undecodable change event",
			slog.String("error", err.Error()),
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
		)
		c.count(func(m *ConsumerMetrics) *prometheus.CounterVec { return m.Failed })
		c.deadLetter(ctx, msg, Permanent(err))
		c.commit(ctx, msg)
		return
	}

	hctx := ExtractContext(ctx, msg)
	if ev.CorrelationID != "" {
		hctx = logger.WithCorrelationID(hctx, ev.CorrelationID)
	}
	l := logger.WithContext(hctx, c.logger).With(
		slog.String("entity", ev.Entity),
		slog.String("gid", ev.GID),
	)

	lastErr := c.handleWithRetry(hctx, l, msg, ev)
	if c.metrics != nil {
		c.metrics.Processing.WithLabelValues(c.topic, c.group).Observe(time.Since(start).Seconds())
	}

	if lastErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-retry: leave the offset uncommitted so the event is redelivered.
			return
		}
		l.Error("reindex from change event failed, skipping message",
			slog.String("error", lastErr.Error()),
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.Bool("permanent", IsPermanent(lastErr)),
		)
		c.count(func(m *ConsumerMetrics) *prometheus.CounterVec { return m.Failed })
		c.deadLetter(ctx, msg, lastErr)
		c.commit(ctx, msg)
		return
	}

	c.count(func(m *ConsumerMetrics) *prometheus.CounterVec { return m.Processed })
	c.commit(ctx, msg)
}

func (c *Consumer) handleWithRetry(ctx context.Context, l *slog.Logger, msg kafka.Message, ev *ChangeEvent) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		lastErr = c.handler(ctx, ev)
		if lastErr == nil || IsPermanent(lastErr) {
			return lastErr
		}
		l.Warn("reindex from change event failed, will retry",
			slog.String("error", lastErr.Error()),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.maxRetries),
		)
		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
	}
	return lastErr
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if c.dlq == nil {
		return
	}
	if err := c.dlq.Publish(ctx, msg, cause, c.group); err != nil {
		return
	}
	c.count(func(m *ConsumerMetrics) *prometheus.CounterVec { return m.DLQ })
}

func (c *Consumer) count(pick func(*ConsumerMetrics) *prometheus.CounterVec) {
	if c.metrics == nil {
		return
	}
	pick(c.metrics).WithLabelValues(c.topic, c.group).Inc()
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("failed to commit message",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the consumer. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
