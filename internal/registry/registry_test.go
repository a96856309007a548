package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floodguard/floodguard/internal/event"
)

type nopConn struct{}

func (nopConn) Send(event.Event) error { return nil }
func (nopConn) Close(string)           {}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	r := New("i-1")
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.Register(nopConn{}, Identity{Subject: "u"}, nil)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 100, r.Count())
}

func TestListByTopic(t *testing.T) {
	r := New("i-1")
	risk := r.Register(nopConn{}, Identity{Subject: "a"}, []string{event.TopicRiskUpdate})
	all := r.Register(nopConn{}, Identity{Subject: "b"}, []string{event.TopicAll})
	alerts := r.Register(nopConn{}, Identity{Subject: "c"}, []string{event.TopicEmergencyAlert})

	assert.ElementsMatch(t, []string{risk, all}, r.List(event.TopicRiskUpdate))
	assert.ElementsMatch(t, []string{alerts, all}, r.List(event.TopicEmergencyAlert))
	assert.ElementsMatch(t, []string{all}, r.List(event.TopicSystemNotification))
}

func TestAdminTopicOnlyReachesAdmins(t *testing.T) {
	r := New("i-1")
	userAll := r.Register(nopConn{}, Identity{Subject: "a", Role: RoleUser}, []string{event.TopicAll})
	userAdmin := r.Register(nopConn{}, Identity{Subject: "b", Role: RoleUser}, []string{event.TopicAdmin})
	adminAll := r.Register(nopConn{}, Identity{Subject: "ops", Role: RoleAdmin}, []string{event.TopicAll})
	adminOnly := r.Register(nopConn{}, Identity{Subject: "ops-2", Role: RoleAdmin}, []string{event.TopicAdmin})

	assert.ElementsMatch(t, []string{adminAll, adminOnly}, r.List(event.TopicAdmin))
	assert.ElementsMatch(t, []string{userAll, adminAll}, r.List(event.TopicRiskUpdate))
	assert.NotContains(t, r.List(event.TopicAdmin), userAdmin)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	r := New("i-1")
	id := r.Register(nopConn{}, Identity{Subject: "a"}, []string{event.TopicRiskUpdate})

	before, ok := r.Lookup(id)
	require.True(t, ok)

	r.Subscribe(id, []string{event.TopicEmergencyAlert})
	after, _ := r.Lookup(id)
	assert.Equal(t, []string{event.TopicEmergencyAlert, event.TopicRiskUpdate}, after.TopicList())
	assert.Equal(t, []string{event.TopicRiskUpdate}, before.TopicList(), "old record left untouched")

	r.Unsubscribe(id, []string{event.TopicRiskUpdate})
	after, _ = r.Lookup(id)
	assert.Equal(t, []string{event.TopicEmergencyAlert}, after.TopicList())
	assert.Empty(t, r.List(event.TopicRiskUpdate))
}

func TestOperationsOnGoneConnection(t *testing.T) {
	r := New("i-1")
	id := r.Register(nopConn{}, Identity{Subject: "a"}, []string{event.TopicAll})

	assert.True(t, r.Unregister(id))
	assert.False(t, r.Unregister(id), "second unregister is a no-op")

	r.Subscribe(id, []string{event.TopicRiskUpdate})
	r.Unsubscribe(id, []string{event.TopicAll})
	_, ok := r.Lookup(id)
	assert.False(t, ok)
	assert.Zero(t, r.Count())
}

func TestListIsSnapshot(t *testing.T) {
	r := New("i-1")
	r.Register(nopConn{}, Identity{Subject: "a"}, []string{event.TopicAll})

	ids := r.List(event.TopicRiskUpdate)
	r.Register(nopConn{}, Identity{Subject: "b"}, []string{event.TopicAll})

	assert.Len(t, ids, 1)
	assert.Len(t, r.List(event.TopicRiskUpdate), 2)
}

func TestStats(t *testing.T) {
	r := New("i-1")
	r.Register(nopConn{}, Identity{Subject: "a", Role: RoleUser}, []string{event.TopicRiskUpdate})
	r.Register(nopConn{}, Identity{Subject: "b", Role: RoleAdmin}, []string{event.TopicAll, event.TopicRiskUpdate})

	s := r.Stats()
	assert.Equal(t, "i-1", s.InstanceID)
	assert.Equal(t, 2, s.Connections)
	assert.Equal(t, 2, s.ByTopic[event.TopicRiskUpdate])
	assert.Equal(t, 1, s.ByTopic[event.TopicAll])
	assert.Equal(t, 1, s.ByRole[RoleAdmin])
}

func TestConcurrentMutationAndList(t *testing.T) {
	r := New("i-1")
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := r.Register(nopConn{}, Identity{Subject: fmt.Sprintf("s%d", w)}, []string{event.TopicRiskUpdate})
				r.Subscribe(id, []string{event.TopicEmergencyAlert})
				r.Unregister(id)
			}
		}(w)
	}
	for l := 0; l < 4; l++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				for _, id := range r.List(event.TopicRiskUpdate) {
					if rec, ok := r.Lookup(id); ok {
						assert.NotNil(t, rec.Topics)
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Count())
}
