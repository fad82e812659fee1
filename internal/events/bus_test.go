package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingGroup struct {
	id string

	mu      sync.Mutex
	calls   []string
	members []string
}

func (g *recordingGroup) ID() string { return g.id }

func (g *recordingGroup) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *recordingGroup) OnMembershipChanged(ids []string) {
	g.mu.Lock()
	g.members = ids
	g.mu.Unlock()
	g.record("members")
}

func (g *recordingGroup) OnLocalStatusChanged(ok bool) {
	if ok {
		g.record("status:true")
		return
	}
	g.record("status:false")
}

func (g *recordingGroup) OnStarted()    { g.record("started") }
func (g *recordingGroup) OnRegistered() { g.record("registered") }

func TestPublishInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	bus.Subscribe(func(Event) { order = append(order, 1) })
	bus.Subscribe(func(Event) { order = append(order, 2) })

	bus.Publish(Event{Kind: Started})
	assert.Equal(t, []int{1, 2}, order)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	cancel := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(Event{Kind: Started})
	cancel()
	cancel()
	bus.Publish(Event{Kind: Started})
	assert.Equal(t, 1, calls)
}

func TestHandlersMayPublishReentrantly(t *testing.T) {
	bus := NewBus()
	var seen []Kind
	bus.Subscribe(func(e Event) {
		seen = append(seen, e.Kind)
		if e.Kind == Registered {
			bus.Publish(Event{Kind: Started})
		}
	})
	bus.Publish(Event{Kind: Registered, RepositoryID: "g"})
	assert.Equal(t, []Kind{Registered, Started}, seen)
}

func TestGroupAdapterRoutesByID(t *testing.T) {
	bus := NewBus()
	g := &recordingGroup{id: "public"}
	bus.Subscribe(GroupAdapter(g))

	bus.Publish(Event{Kind: MembersChanged, RepositoryID: "other", MemberIDs: []string{"x"}})
	bus.Publish(Event{Kind: MembersChanged, RepositoryID: "public", MemberIDs: []string{"a", "b"}})
	bus.Publish(Event{Kind: LocalStatusChanged, RepositoryID: "public", CanServiceRequests: true})
	bus.Publish(Event{Kind: Registered, RepositoryID: "public"})
	bus.Publish(Event{Kind: Started})

	require.Equal(t, []string{"members", "status:true", "registered", "started"}, g.calls)
	assert.Equal(t, []string{"a", "b"}, g.members)
}
