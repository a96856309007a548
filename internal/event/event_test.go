package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerStrictlyIncreasingPerTopic(t *testing.T) {
	seq := NewSequencer("node-a")

	assert.Equal(t, uint64(1), seq.Next(TopicRiskUpdate))
	assert.Equal(t, uint64(2), seq.Next(TopicRiskUpdate))
	assert.Equal(t, uint64(1), seq.Next(TopicEmergencyAlert), "topics have independent counters")
	assert.Equal(t, uint64(3), seq.Next(TopicRiskUpdate))
}

func TestSequencerConcurrentUnique(t *testing.T) {
	seq := NewSequencer("node-a")

	const workers, perWorker = 8, 200
	results := make(chan uint64, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				results <- seq.Next(TopicRiskUpdate)
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for n := range results {
		require.False(t, seen[n], "duplicate sequence %d", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestStamp(t *testing.T) {
	seq := NewSequencer("node-b")
	ev := seq.Stamp(Event{Type: TypeRiskUpdate, Topic: TopicRiskUpdate})

	assert.Equal(t, "node-b", ev.OriginInstance)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEventClassification(t *testing.T) {
	assert.True(t, Event{Type: TypeEmergencyAlert}.IsPriority())
	assert.False(t, Event{Type: TypeRiskUpdate}.IsPriority())
	assert.True(t, Event{Type: TypeHeartbeat}.IsControl())
	assert.False(t, Event{Type: TypeSystemNotification}.IsControl())
	assert.False(t, Event{Type: TypeAdminMessage}.IsControl(), "admin messages are relayed")
	assert.True(t, IsKnownTopic(TopicAll))
	assert.True(t, IsKnownTopic(TopicAdmin))
	assert.False(t, IsKnownTopic("weather"))
	assert.True(t, RequiresAdmin(TopicAdmin))
	assert.False(t, RequiresAdmin(TopicAll))
	assert.False(t, RequiresAdmin(TopicEmergencyAlert))
}
