package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floodguard/floodguard/internal/event"
)

type countingDeliverer struct {
	mu  sync.Mutex
	got []event.Event
}

func (d *countingDeliverer) DeliverLocal(ev event.Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, ev)
	return 1
}

func (d *countingDeliverer) events() []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]event.Event(nil), d.got...)
}

// flakyChannel fails the first failures subscriptions, then blocks.
type flakyChannel struct {
	failures   int32
	subscribes int32
	published  chan []byte
}

func (c *flakyChannel) Publish(_ context.Context, _ string, data []byte) error {
	if c.published != nil {
		c.published <- data
	}
	return nil
}

func (c *flakyChannel) Subscribe(ctx context.Context, _ string, _ func([]byte)) error {
	n := atomic.AddInt32(&c.subscribes, 1)
	if n <= atomic.LoadInt32(&c.failures) {
		return errors.New("broker unavailable")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *flakyChannel) Close() error { return nil }

func ev(topic, origin string, seq uint64) event.Event {
	return event.Event{
		Type:           event.TypeRiskUpdate,
		Topic:          topic,
		Payload:        json.RawMessage(`{"risk_level":"HIGH"}`),
		OriginInstance: origin,
		Sequence:       seq,
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
	}
}

func newTestRelay(t *testing.T, ch Channel, local Deliverer, cfg Config) *Relay {
	t.Helper()
	codec, err := NewCodec(CodecJSON)
	require.NoError(t, err)
	return New(ch, codec, local, cfg, nil)
}

func TestObserveSuppressesOldSequences(t *testing.T) {
	r := newTestRelay(t, &flakyChannel{}, &countingDeliverer{}, Config{})

	tests := []struct {
		name string
		ev   event.Event
		want bool
	}{
		{"first", ev(event.TopicRiskUpdate, "a", 1), true},
		{"repeat", ev(event.TopicRiskUpdate, "a", 1), false},
		{"newer", ev(event.TopicRiskUpdate, "a", 5), true},
		{"older", ev(event.TopicRiskUpdate, "a", 3), false},
		{"other origin", ev(event.TopicRiskUpdate, "b", 1), true},
		{"other topic", ev(event.TopicEmergencyAlert, "a", 1), true},
		{"no origin", ev(event.TopicRiskUpdate, "", 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Observe(tt.ev))
		})
	}
	assert.Equal(t, 3, r.Tracked())
}

func TestHandleDeliversOnlyNewEvents(t *testing.T) {
	local := &countingDeliverer{}
	r := newTestRelay(t, &flakyChannel{}, local, Config{})

	for _, seq := range []uint64{1, 2, 2, 1, 3} {
		data, err := json.Marshal(ev(event.TopicRiskUpdate, "remote", seq))
		require.NoError(t, err)
		r.handle(data)
	}
	r.handle([]byte("not json"))
	r.handle([]byte(`{"type":"heartbeat","topic":"risk-update"}`))

	got := local.events()
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestOwnEventsAreNotRedelivered(t *testing.T) {
	local := &countingDeliverer{}
	r := newTestRelay(t, &flakyChannel{}, local, Config{})

	own := ev(event.TopicRiskUpdate, "self", 1)
	require.True(t, r.Observe(own))

	data, err := json.Marshal(own)
	require.NoError(t, err)
	r.handle(data)
	assert.Empty(t, local.events())
}

func TestSweepForgetsIdleOrigins(t *testing.T) {
	r := newTestRelay(t, &flakyChannel{}, &countingDeliverer{}, Config{SeenTTL: time.Minute})
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	r.Observe(ev(event.TopicRiskUpdate, "old", 7))
	now = now.Add(30 * time.Second)
	r.Observe(ev(event.TopicRiskUpdate, "fresh", 1))
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, r.sweep())
	assert.Equal(t, 1, r.Tracked())
	assert.True(t, r.Observe(ev(event.TopicRiskUpdate, "old", 1)), "forgotten origin starts over")
}

func TestPublishNeverBlocks(t *testing.T) {
	r := newTestRelay(t, &flakyChannel{}, &countingDeliverer{}, Config{PublishQueue: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Publish(ev(event.TopicRiskUpdate, "self", uint64(i+1)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestRunPublishesQueuedEvents(t *testing.T) {
	ch := &flakyChannel{published: make(chan []byte, 4)}
	r := newTestRelay(t, ch, &countingDeliverer{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()

	r.Publish(ev(event.TopicRiskUpdate, "self", 1))
	select {
	case data := <-ch.published:
		var got event.Event
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, uint64(1), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}

	cancel()
	<-stopped
}

func TestRunReconnectsAfterFailures(t *testing.T) {
	ch := &flakyChannel{failures: 3}
	r := newTestRelay(t, ch, &countingDeliverer{}, Config{
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     4 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ch.subscribes) == 4 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextBackoff(45*time.Second, time.Minute))
}

func TestCBORKeepsEventIntact(t *testing.T) {
	codec, err := NewCodec(CodecCBOR)
	require.NoError(t, err)

	in := ev(event.TopicEmergencyAlert, "origin-1", 42)
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out event.Event
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, in.Sequence, out.Sequence)
	assert.Equal(t, in.OriginInstance, out.OriginInstance)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
	assert.True(t, in.Timestamp.Equal(out.Timestamp), "sub-second precision preserved")

	again, err := codec.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, data, again, "deterministic encoding")
}

func TestNewCodecUnknown(t *testing.T) {
	_, err := NewCodec("xml")
	assert.Error(t, err)
}
