package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// DLQTopicPrefix is the prefix for dead-letter queue topics.
const DLQTopicPrefix = "musicbrainz.dlq"

// Headers added to a dead-lettered change event.
const (
	HeaderDLQTopic     = "sir.dlq.topic"
	HeaderDLQPartition = "sir.dlq.partition"
	HeaderDLQOffset    = "sir.dlq.offset"
	HeaderDLQGroup     = "sir.dlq.group"
	HeaderDLQError     = "sir.dlq.error"
	HeaderDLQPermanent = "sir.dlq.permanent"
)

// MessageWriter is the subset of *kafka.Writer the DLQ producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DLQProducer parks change events that could not be reindexed.
type DLQProducer struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewDLQProducer creates a DLQ producer writing synchronously to brokers.
func NewDLQProducer(brokers []string, logger *slog.Logger) *DLQProducer {
	return NewDLQProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           100 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}, logger)
}

// NewDLQProducerWithWriter creates a DLQ producer on top of an existing writer.
func NewDLQProducerWithWriter(w MessageWriter, logger *slog.Logger) *DLQProducer {
	return &DLQProducer{writer: w, logger: logger}
}

// DLQTopic names the dead-letter topic of a change topic.
func DLQTopic(topic string) string {
	return DLQTopicPrefix + "." + topic
}

// Publish copies msg to its dead-letter topic. The key (the entity GID) is
// kept so a replay lands on the same partition. Where the message came from
// and why it failed go into headers, along with the current trace context.
func (d *DLQProducer) Publish(ctx context.Context, msg kafka.Message, cause error, group string) error {
	out := kafka.Message{
		Topic:   DLQTopic(msg.Topic),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: append([]kafka.Header(nil), msg.Headers...),
	}
	meta := headerCarrier{headers: &out.Headers}
	meta.Set(HeaderDLQTopic, msg.Topic)
	meta.Set(HeaderDLQPartition, strconv.Itoa(msg.Partition))
	meta.Set(HeaderDLQOffset, strconv.FormatInt(msg.Offset, 10))
	meta.Set(HeaderDLQGroup, group)
	meta.Set(HeaderDLQPermanent, strconv.FormatBool(IsPermanent(cause)))
	if cause != nil {
		meta.Set(HeaderDLQError, cause.Error())
	}
	injectContext(ctx, &out)

	l := d.logger.With(
		slog.String("dlq_topic", out.Topic),
		slog.String("gid", string(msg.Key)),
		slog.Int64("offset", msg.Offset),
	)
	if err := d.writer.WriteMessages(ctx, out); err != nil {
		l.ErrorContext(ctx, "dead-lettering change event failed", slog.String("error", err.Error()))
		return fmt.Errorf("publish to %s: %w", out.Topic, err)
	}
	l.WarnContext(ctx, "change event dead-lettered", slog.String("group", group))
	return nil
}

// Close closes the DLQ producer.
func (d *DLQProducer) Close() error {
	return d.writer.Close()
}
