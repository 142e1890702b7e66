package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var errLockTimeout = errors.New("lock timeout")

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		out = append(out, m.Offset)
	}
	return out
}

func partitionMessages(topic string, partition int, offsets ...int64) []kafka.Message {
	out := make([]kafka.Message, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, kafka.Message{Topic: topic, Partition: partition, Offset: o})
	}
	return out
}

func TestConsumerRetriesTransientFailureBeforeCommitting(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := &fakeReader{pending: partitionMessages("payments", 0, 10, 11)}
	c := newConsumer(r, 4, nil)
	c.minBackoff, c.maxBackoff = time.Millisecond, 5*time.Millisecond

	var (
		mu    sync.Mutex
		calls []int64
	)
	failures := 2
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, m.Offset)
			if m.Offset == 10 && failures > 0 {
				failures--
				// offset 11 must not be committed while 10 is failing
				assert.Empty(t, r.commits())
				return errLockTimeout
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{10, 11}, r.commits())
	mu.Lock()
	assert.Equal(t, []int64{10, 10, 10, 11}, calls)
	mu.Unlock()
	assert.True(t, r.closed)
}

func TestConsumerStopsRetryingWhenContextEnds(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := &fakeReader{pending: partitionMessages("payments", 3, 7)}
	c := newConsumer(r, 1, nil)
	c.minBackoff, c.maxBackoff = time.Millisecond, time.Millisecond

	attempts := make(chan struct{}, 100)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(context.Context, kafka.Message) error {
			select {
			case attempts <- struct{}{}:
			default:
			}
			return errLockTimeout
		})
	}()

	<-attempts
	<-attempts
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.commits())
}

func TestRouteKeepsPartitionOnOneWorker(t *testing.T) {
	a := kafka.Message{Topic: "order.payment.authorized", Partition: 2, Offset: 1}
	b := kafka.Message{Topic: "order.payment.authorized", Partition: 2, Offset: 900}
	assert.Equal(t, route(a, 8), route(b, 8))
	for p := 0; p < 32; p++ {
		w := route(kafka.Message{Topic: "t", Partition: p}, 3)
		assert.GreaterOrEqual(t, w, 0)
		assert.Less(t, w, 3)
	}
}
