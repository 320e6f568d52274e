package introspection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystal-sds/metrics-relay/engine/infra/broker"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	body       []byte
}

type fakePublisher struct {
	mu         sync.Mutex
	messages   []publishedMessage
	closed     int
	publishErr error
}

func (f *fakePublisher) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakePublisher) published() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.messages...)
}

type fakeDialer struct {
	mu      sync.Mutex
	pub     *fakePublisher
	dialErr error
	dials   int
}

func (f *fakeDialer) Dial(_ context.Context) (broker.Publisher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.pub, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func decodeEnvelope(t *testing.T, body []byte) map[string]map[string]int64 {
	t.Helper()
	var envelope map[string]map[string]int64
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope
}

func TestPublishLoop_Flush(t *testing.T) {
	t.Run("Should publish one envelope per routing key under the sender identity", func(t *testing.T) {
		store := NewMetricStore()
		store.RecordStateless("topicA", "reqs", 5)
		store.RecordStateless("topicA", "reqs", 3)
		pub := &fakePublisher{}
		dialer := &fakeDialer{pub: pub}
		loop := NewPublishLoop(store, dialer, controlConfig(), clock.NewMock())

		require.NoError(t, loop.flush(t.Context()))

		messages := pub.published()
		require.Len(t, messages, 1)
		assert.Equal(t, "amq.topic", messages[0].exchange)
		assert.Equal(t, "topicA", messages[0].routingKey)
		envelope := decodeEnvelope(t, messages[0].body)
		assert.Equal(t, map[string]map[string]int64{"127.0.0.1:8080": {"reqs": 8}}, envelope)
	})

	t.Run("Should publish stateless envelopes before stateful ones", func(t *testing.T) {
		store := NewMetricStore()
		store.RecordStateless("stateless.topic", "reqs", 1)
		store.RecordStateful("stateful.topic", "errors", 1)
		pub := &fakePublisher{}
		loop := NewPublishLoop(store, &fakeDialer{pub: pub}, controlConfig(), clock.NewMock())

		require.NoError(t, loop.flush(t.Context()))

		messages := pub.published()
		require.Len(t, messages, 2)
		assert.Equal(t, "stateless.topic", messages[0].routingKey)
		assert.Equal(t, "stateful.topic", messages[1].routingKey)
	})

	t.Run("Should publish nothing for a routing key with no nonzero stateless metrics", func(t *testing.T) {
		store := NewMetricStore()
		store.RecordStateless("topicA", "reqs", 5)
		pub := &fakePublisher{}
		loop := NewPublishLoop(store, &fakeDialer{pub: pub}, controlConfig(), clock.NewMock())

		require.NoError(t, loop.flush(t.Context()))
		require.Len(t, pub.published(), 1)

		// No new deltas: the second flush has nothing to say about topicA.
		require.NoError(t, loop.flush(t.Context()))
		assert.Len(t, pub.published(), 1)
	})

	t.Run("Should keep publishing cumulative stateful totals every flush", func(t *testing.T) {
		store := NewMetricStore()
		store.RecordStateful("topicB", "errors", 1)
		pub := &fakePublisher{}
		loop := NewPublishLoop(store, &fakeDialer{pub: pub}, controlConfig(), clock.NewMock())

		require.NoError(t, loop.flush(t.Context()))
		require.NoError(t, loop.flush(t.Context()))

		messages := pub.published()
		require.Len(t, messages, 2)
		for _, msg := range messages {
			envelope := decodeEnvelope(t, msg.body)
			assert.Equal(t, int64(1), envelope["127.0.0.1:8080"]["errors"])
		}
	})

	t.Run("Should close the broker connection after each flush", func(t *testing.T) {
		store := NewMetricStore()
		pub := &fakePublisher{}
		dialer := &fakeDialer{pub: pub}
		loop := NewPublishLoop(store, dialer, controlConfig(), clock.NewMock())

		require.NoError(t, loop.flush(t.Context()))
		require.NoError(t, loop.flush(t.Context()))

		assert.Equal(t, 2, dialer.dialCount())
		pub.mu.Lock()
		defer pub.mu.Unlock()
		assert.Equal(t, 2, pub.closed)
	})

	t.Run("Should propagate dial failures", func(t *testing.T) {
		loop := NewPublishLoop(NewMetricStore(), &fakeDialer{dialErr: errors.New("broker down")}, controlConfig(), clock.NewMock())

		err := loop.flush(t.Context())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker down")
	})
}

func TestPublishLoop_Run(t *testing.T) {
	t.Run("Should flush once per interval and not before", func(t *testing.T) {
		store := NewMetricStore()
		store.RecordStateless("topicA", "reqs", 5)
		pub := &fakePublisher{}
		dialer := &fakeDialer{pub: pub}
		clk := clock.NewMock()
		cfg := controlConfig()
		loop := NewPublishLoop(store, dialer, cfg, clk)

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		go loop.Run(ctx)

		// Nothing happens until the first interval has elapsed.
		assert.Equal(t, 0, dialer.dialCount())

		require.Eventually(t, func() bool {
			clk.Add(cfg.PublishInterval)
			return len(pub.published()) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Should terminate when a flush fails", func(t *testing.T) {
		clk := clock.NewMock()
		cfg := controlConfig()
		loop := NewPublishLoop(NewMetricStore(), &fakeDialer{dialErr: errors.New("broker down")}, cfg, clk)

		done := make(chan struct{})
		go func() {
			defer close(done)
			loop.Run(t.Context())
		}()

		require.Eventually(t, func() bool {
			clk.Add(cfg.PublishInterval)
			select {
			case <-done:
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Should stop between ticks when the context is cancelled", func(t *testing.T) {
		clk := clock.NewMock()
		loop := NewPublishLoop(NewMetricStore(), &fakeDialer{pub: &fakePublisher{}}, controlConfig(), clk)
		ctx, cancel := context.WithCancel(t.Context())

		done := make(chan struct{})
		go func() {
			defer close(done)
			loop.Run(ctx)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop after context cancellation")
		}
	})
}
