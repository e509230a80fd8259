package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConsumerMetrics holds the collectors for change-event consumers.
type ConsumerMetrics struct {
	Received   *prometheus.CounterVec
	Processed  *prometheus.CounterVec
	Failed     *prometheus.CounterVec
	Duplicate  *prometheus.CounterVec
	DLQ        *prometheus.CounterVec
	Processing *prometheus.HistogramVec
}

// NewConsumerMetrics creates the consumer collectors and registers them with reg.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	labels := []string{"topic", "consumer_group"}
	m := &ConsumerMetrics{
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_consumer_messages_received_total",
			Help: "Total number of Kafka messages received (fetched from broker)",
		}, labels),
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_consumer_messages_processed_total",
			Help: "Total number of successfully processed Kafka messages",
		}, labels),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_consumer_messages_failed_total",
			Help: "Total number of Kafka messages that failed all retries (sent to DLQ or dropped)",
		}, labels),
		Duplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_consumer_messages_duplicate_total",
			Help: "Total number of duplicate Kafka messages skipped by idempotency guard",
		}, labels),
		DLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_consumer_dlq_published_total",
			Help: "Total number of messages published to dead-letter queue",
		}, labels),
		Processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kafka_consumer_processing_duration_seconds",
			Help:    "Duration of Kafka message processing in seconds",
			Buckets: prometheus.DefBuckets,
		}, labels),
	}
	reg.MustRegister(m.Received, m.Processed, m.Failed, m.Duplicate, m.DLQ, m.Processing)
	return m
}
