package controlplane

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hiveorch/hive/internal/plugin"
)

func TestFilterMatchKindsAndPrefix(t *testing.T) {
	f := Filter{Kinds: []string{"StateTransition"}, FQNPrefix: "web:"}

	require.True(t, f.match(plugin.Event{Kind: "StateTransition", FQN: "web:api"}))
	require.False(t, f.match(plugin.Event{Kind: "HealthChange", FQN: "web:api"}))
	require.False(t, f.match(plugin.Event{Kind: "StateTransition", FQN: "worker:queue"}))

	var zero Filter
	require.True(t, zero.match(plugin.Event{Kind: "anything", FQN: "anything:else"}))
}

func TestEventBusPublishDeliversToMatchingSubscriber(t *testing.T) {
	bus := NewEventBus(nil, nil)

	id, sub := bus.subscribe(Filter{FQNPrefix: "web:"})
	defer bus.unsubscribe(id)

	bus.Publish(context.Background(), plugin.Event{Kind: "StateTransition", FQN: "web:api"})
	bus.Publish(context.Background(), plugin.Event{Kind: "StateTransition", FQN: "other:svc"})

	select {
	case e := <-sub.ch:
		require.Equal(t, "web:api", e.FQN)
	default:
		t.Fatal("expected one delivered event")
	}

	select {
	case e := <-sub.ch:
		t.Fatalf("unexpected second event delivered: %+v", e)
	default:
	}
}

func TestEventBusDropOldestOnFullQueue(t *testing.T) {
	bus := NewEventBus(nil, nil)
	id, sub := bus.subscribe(Filter{})
	defer bus.unsubscribe(id)

	for i := 0; i < eventBufferSize+5; i++ {
		bus.Publish(context.Background(), plugin.Event{Kind: "StateTransition", FQN: "web:api"})
	}

	require.Equal(t, int64(5), sub.dropped)
	require.Len(t, sub.ch, eventBufferSize)
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus(nil, nil)
	id, sub := bus.subscribe(Filter{})
	bus.unsubscribe(id)

	bus.Publish(context.Background(), plugin.Event{Kind: "StateTransition", FQN: "web:api"})

	select {
	case e := <-sub.ch:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", e)
	default:
	}
}

type fakeSink struct {
	events []plugin.Event
}

func (f *fakeSink) Metadata() plugin.Metadata { return plugin.Metadata{ID: "fake-sink"} }
func (f *fakeSink) Init(map[string]any) error { return nil }
func (f *fakeSink) Sink(ctx context.Context, e plugin.Event) error {
	f.events = append(f.events, e)
	return nil
}

func TestEventBusPublishFansOutToSinks(t *testing.T) {
	sink := &fakeSink{}
	bus := NewEventBus(nil, []plugin.ObservabilitySink{sink})

	bus.Publish(context.Background(), plugin.Event{Kind: "HealthChange", FQN: "web:api"})

	require.Len(t, sink.events, 1)
	require.Equal(t, "HealthChange", sink.events[0].Kind)
}
