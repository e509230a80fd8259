package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued messages and then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeDLQ struct {
	mu   sync.Mutex
	msgs []kafka.Message
	errs []error
}

func (d *fakeDLQ) Publish(_ context.Context, msg kafka.Message, lastErr error, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	d.errs = append(d.errs, lastErr)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func changeMessage(t *testing.T, offset int64, ev ChangeEvent) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Topic: Topic(ev.Entity, ActionChanged), Offset: offset, Key: []byte(ev.GID), Value: raw}
}

func artistEdit(t *testing.T, offset, editID int64) kafka.Message {
	t.Helper()
	return changeMessage(t, offset, ChangeEvent{Entity: "artist", GID: artistGID, EditID: editID})
}

// runUntilDrained starts the consumer and stops it once every queued message is committed.
func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain queue")
	}
	cancel()
	require.NoError(t, <-done)
}

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{Topic: "musicbrainz.artist.changed", GroupID: "sir", RetryBackoff: time.Millisecond}
}

func TestConsumer_ProcessesAndCommits(t *testing.T) {
	r := newFakeReader(artistEdit(t, 1, 101), artistEdit(t, 2, 102))
	metrics := NewConsumerMetrics(prometheus.NewRegistry())

	var seen []int64
	c := NewConsumer(testConsumerConfig(), func(_ context.Context, ev *ChangeEvent) error {
		seen = append(seen, ev.EditID)
		return nil
	}, testLogger(), WithReader(r), WithMetrics(metrics))

	runUntilDrained(t, c, r)

	assert.Equal(t, []int64{101, 102}, seen)
	assert.Len(t, r.committed, 2)
	assert.True(t, r.closed)
	assert.Equal(t, float64(2), counterValue(t, metrics.Processed.WithLabelValues("musicbrainz.artist.changed", "sir")))
}

func TestConsumer_RetriesTransientThenSucceeds(t *testing.T) {
	r := newFakeReader(artistEdit(t, 1, 101))
	attempts := 0
	c := NewConsumer(testConsumerConfig(), func(context.Context, *ChangeEvent) error {
		attempts++
		if attempts < 3 {
			return errors.New("store unavailable")
		}
		return nil
	}, testLogger(), WithReader(r))

	runUntilDrained(t, c, r)

	assert.Equal(t, 3, attempts)
	assert.Len(t, r.committed, 1)
}

func TestConsumer_ExhaustedRetriesGoToDLQ(t *testing.T) {
	r := newFakeReader(artistEdit(t, 7, 101))
	dlq := &fakeDLQ{}
	metrics := NewConsumerMetrics(prometheus.NewRegistry())
	attempts := 0
	c := NewConsumer(testConsumerConfig(), func(context.Context, *ChangeEvent) error {
		attempts++
		return errors.New("index update failed")
	}, testLogger(), WithReader(r), WithDLQ(dlq), WithMetrics(metrics))

	runUntilDrained(t, c, r)

	assert.Equal(t, defaultMaxRetries, attempts)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, int64(7), dlq.msgs[0].Offset)
	assert.Len(t, r.committed, 1)
	labels := []string{"musicbrainz.artist.changed", "sir"}
	assert.Equal(t, float64(1), counterValue(t, metrics.Failed.WithLabelValues(labels...)))
	assert.Equal(t, float64(1), counterValue(t, metrics.DLQ.WithLabelValues(labels...)))
}

func TestConsumer_PermanentErrorIsNotRetried(t *testing.T) {
	r := newFakeReader(artistEdit(t, 1, 101))
	dlq := &fakeDLQ{}
	attempts := 0
	cause := errors.New("artist with GID x not found")
	c := NewConsumer(testConsumerConfig(), func(context.Context, *ChangeEvent) error {
		attempts++
		return Permanent(cause)
	}, testLogger(), WithReader(r), WithDLQ(dlq))

	runUntilDrained(t, c, r)

	assert.Equal(t, 1, attempts)
	require.Len(t, dlq.errs, 1)
	assert.ErrorIs(t, dlq.errs[0], cause)
}

func TestConsumer_MalformedMessageIsDeadLettered(t *testing.T) {
	r := newFakeReader(kafka.Message{Topic: "musicbrainz.artist.changed", Value: []byte("{not json")})
	dlq := &fakeDLQ{}
	metrics := NewConsumerMetrics(prometheus.NewRegistry())
	called := false
	c := NewConsumer(testConsumerConfig(), func(context.Context, *ChangeEvent) error {
		called = true
		return nil
	}, testLogger(), WithReader(r), WithDLQ(dlq), WithMetrics(metrics))

	runUntilDrained(t, c, r)

	assert.False(t, called)
	require.Len(t, dlq.errs, 1)
	assert.True(t, IsPermanent(dlq.errs[0]))
	assert.Len(t, r.committed, 1)
	assert.Equal(t, float64(1), counterValue(t, metrics.Failed.WithLabelValues("musicbrainz.artist.changed", "sir")))
}

func TestConsumer_RetryAfterFailureIsNotADuplicate(t *testing.T) {
	r := newFakeReader(artistEdit(t, 1, 77))
	attempts := 0
	c := NewConsumer(testConsumerConfig(), func(context.Context, *ChangeEvent) error {
		attempts++
		if attempts == 1 {
			return errors.New("dispatch failed")
		}
		return nil
	}, testLogger(), WithReader(r), WithIdempotency(NewMemoryIdempotencyStore(time.Minute)))

	runUntilDrained(t, c, r)

	assert.Equal(t, 2, attempts)
}

func TestConsumer_IdempotencySkipsDuplicates(t *testing.T) {
	r := newFakeReader(artistEdit(t, 1, 55), artistEdit(t, 2, 55))
	metrics := NewConsumerMetrics(prometheus.NewRegistry())
	calls := 0
	c := NewConsumer(testConsumerConfig(), func(context.Context, *ChangeEvent) error {
		calls++
		return nil
	}, testLogger(), WithReader(r), WithMetrics(metrics), WithIdempotency(NewMemoryIdempotencyStore(time.Minute)))

	runUntilDrained(t, c, r)

	assert.Equal(t, 1, calls, "a redelivered edit is reindexed once")
	assert.Len(t, r.committed, 2)
	assert.Equal(t, float64(1), counterValue(t, metrics.Duplicate.WithLabelValues("musicbrainz.artist.changed", "sir")))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad gid")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

func TestPingBrokers_NoBrokers(t *testing.T) {
	assert.Error(t, PingBrokers(context.Background(), nil))
}
