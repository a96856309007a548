package relay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floodguard/floodguard/internal/broadcast"
	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/registry"
	"github.com/floodguard/floodguard/internal/relay"
	"github.com/floodguard/floodguard/internal/relay/memchan"
)

type replica struct {
	origin     string
	dispatcher *broadcast.Dispatcher
	registry   *registry.Registry
	out        *broadcast.Outbound
}

func (r *replica) emit(topic string) event.Event {
	eventType := event.TypeRiskUpdate
	if topic == event.TopicEmergencyAlert {
		eventType = event.TypeEmergencyAlert
	}
	return r.dispatcher.Dispatch(event.Event{
		Type:    eventType,
		Topic:   topic,
		Payload: json.RawMessage(`{"risk_level":"LOW"}`),
	})
}

func (r *replica) received() []event.Event {
	var out []event.Event
	for {
		ev, ok := r.out.Pop()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func startReplicas(t *testing.T, bus *memchan.Bus, n int) []*replica {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	codec, err := relay.NewCodec(relay.CodecCBOR)
	require.NoError(t, err)

	replicas := make([]*replica, 0, n)
	for i := 0; i < n; i++ {
		origin := fmt.Sprintf("replica-%d", i)
		reg := registry.New(origin)
		d := broadcast.NewDispatcher(reg, broadcast.Config{}, nil)
		d.SetSequencer(event.NewSequencer(origin))
		rl := relay.New(bus.Endpoint(), codec, d, relay.Config{
			ReconnectInitial: time.Millisecond,
			ReconnectMax:     10 * time.Millisecond,
		}, nil)
		d.SetRelay(rl)

		out := broadcast.NewOutbound(broadcast.OutboundConfig{QueueSize: 256})
		reg.Register(out, registry.Identity{Subject: origin}, []string{event.TopicAll})

		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Run(ctx)
		}()

		replicas = append(replicas, &replica{
			origin:     origin,
			dispatcher: d,
			registry:   reg,
			out:        out,
		})
	}

	require.Eventually(t, func() bool { return bus.Subscribers() == n }, 2*time.Second, time.Millisecond)
	return replicas
}

func TestEventReachesEveryReplicaOnce(t *testing.T) {
	bus := memchan.NewBus()
	replicas := startReplicas(t, bus, 3)

	sent := replicas[0].emit(event.TopicRiskUpdate)

	for _, r := range replicas {
		var got []event.Event
		require.Eventually(t, func() bool {
			got = append(got, r.received()...)
			return len(got) >= 1
		}, 2*time.Second, time.Millisecond, r.origin)

		// give any duplicate time to show up
		time.Sleep(20 * time.Millisecond)
		got = append(got, r.received()...)

		require.Len(t, got, 1, r.origin)
		assert.Equal(t, sent.Sequence, got[0].Sequence)
		assert.Equal(t, replicas[0].origin, got[0].OriginInstance)
	}
}

func TestAdminMessageReachesSiblingAdminsOnly(t *testing.T) {
	bus := memchan.NewBus()
	replicas := startReplicas(t, bus, 2)
	ops := broadcast.NewOutbound(broadcast.OutboundConfig{QueueSize: 8})
	replicas[1].registry.Register(ops, registry.Identity{Subject: "ops", Role: registry.RoleAdmin}, []string{event.TopicAll})

	sent := replicas[0].dispatcher.Dispatch(event.Event{
		Type:    event.TypeAdminMessage,
		Topic:   event.TopicAdmin,
		Payload: json.RawMessage(`{"message":"rotate gateway keys"}`),
	})

	var got event.Event
	require.Eventually(t, func() bool {
		ev, ok := ops.Pop()
		got = ev
		return ok
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, sent.Sequence, got.Sequence)
	assert.Equal(t, replicas[0].origin, got.OriginInstance)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, replicas[1].received(), "non-admin wildcard subscriber")
	assert.Empty(t, replicas[0].received(), "non-admin wildcard subscriber on origin")
}

func TestPerOriginOrderAcrossReplicas(t *testing.T) {
	bus := memchan.NewBus()
	replicas := startReplicas(t, bus, 2)

	for i := 0; i < 50; i++ {
		replicas[0].emit(event.TopicRiskUpdate)
	}

	var got []event.Event
	require.Eventually(t, func() bool {
		got = append(got, replicas[1].received()...)
		return len(got) >= 50
	}, 2*time.Second, time.Millisecond)

	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestConcurrentEmittersReachSiblingsComplete(t *testing.T) {
	bus := memchan.NewBus()
	replicas := startReplicas(t, bus, 2)

	const emitters, perEmitter = 16, 10
	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		topic := event.TopicRiskUpdate
		if i%2 == 1 {
			topic = event.TopicEmergencyAlert
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perEmitter; j++ {
				replicas[0].emit(topic)
			}
		}()
	}
	wg.Wait()

	var got []event.Event
	require.Eventually(t, func() bool {
		got = append(got, replicas[1].received()...)
		return len(got) >= emitters*perEmitter
	}, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got = append(got, replicas[1].received()...)
	require.Len(t, got, emitters*perEmitter)

	last := map[string]uint64{}
	for _, ev := range got {
		assert.Equal(t, last[ev.Topic]+1, ev.Sequence, ev.Topic)
		last[ev.Topic] = ev.Sequence
	}
	assert.Equal(t, uint64(emitters*perEmitter/2), last[event.TopicRiskUpdate])
	assert.Equal(t, uint64(emitters*perEmitter/2), last[event.TopicEmergencyAlert])
}

func TestRelayRecoversFromPartition(t *testing.T) {
	bus := memchan.NewBus()
	replicas := startReplicas(t, bus, 2)

	bus.SetDown(true)
	replicas[0].emit(event.TopicRiskUpdate) // lost: no durable log
	bus.SetDown(false)

	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, 2*time.Second, time.Millisecond)
	replicas[0].received()

	sent := replicas[0].emit(event.TopicRiskUpdate)
	require.Eventually(t, func() bool {
		for _, ev := range replicas[1].received() {
			if ev.Sequence == sent.Sequence {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

func TestRestartedReplicaIsNewOrigin(t *testing.T) {
	bus := memchan.NewBus()
	replicas := startReplicas(t, bus, 2)

	for i := 0; i < 3; i++ {
		replicas[0].emit(event.TopicRiskUpdate)
	}
	require.Eventually(t, func() bool { return len(replicas[1].received()) > 0 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	replicas[1].received()

	// A restart brings a fresh origin id whose counters start again at 1.
	replicas[0].dispatcher.SetSequencer(event.NewSequencer(replicas[0].origin + "-restarted"))
	replicas[0].emit(event.TopicRiskUpdate)

	require.Eventually(t, func() bool {
		for _, ev := range replicas[1].received() {
			if ev.Sequence == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}
