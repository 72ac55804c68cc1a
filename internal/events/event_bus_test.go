package events_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishRoutesByType(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.EventBusConfig{NumWorkers: 2, BufferSize: 16})
	defer bus.Stop()

	var (
		mu     sync.Mutex
		orders []string
		all    int
	)
	done := make(chan struct{}, 4)

	bus.Subscribe(events.EventTypeOrder, func(e events.Event) error {
		mu.Lock()
		orders = append(orders, e.(*events.OrderEvent).Status)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	bus.SubscribeAll(func(e events.Event) error {
		mu.Lock()
		all++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	now := time.Now()
	bus.Publish(&events.OrderEvent{BaseEvent: events.NewBaseEvent(events.EventTypeOrder, now), Status: "filled"})
	bus.Publish(&events.CycleEvent{BaseEvent: events.NewBaseEvent(events.EventTypeCycle, now)})

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"filled"}, orders)
	assert.Equal(t, 2, all)
	assert.Equal(t, int64(2), bus.GetStats().EventsPublished)
}

func TestHandlerFailuresAreContained(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	defer bus.Stop()

	bus.Subscribe(events.EventTypeWhale, func(events.Event) error { panic("boom") })
	bus.Subscribe(events.EventTypeWhale, func(events.Event) error { return errors.New("nope") })

	var called bool
	bus.Subscribe(events.EventTypeWhale, func(events.Event) error {
		called = true
		return nil
	})

	bus.PublishSync(&events.WhaleEvent{BaseEvent: events.NewBaseEvent(events.EventTypeWhale, time.Now())})

	assert.True(t, called)
	stats := bus.GetStats()
	assert.Equal(t, int64(2), stats.ProcessingErrors)
	assert.Equal(t, int64(1), stats.EventsProcessed)
}

func TestUnsubscribeAndFilter(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	defer bus.Stop()

	var got []string
	sub := bus.Subscribe(events.EventTypeCycle, func(e events.Event) error {
		got = append(got, e.(*events.CycleEvent).Direction)
		return nil
	}, events.SubscriptionOptions{Filter: func(e events.Event) bool {
		return e.(*events.CycleEvent).Direction != "none"
	}})
	require.True(t, sub.IsActive())

	now := time.Now()
	bus.PublishSync(&events.CycleEvent{BaseEvent: events.NewBaseEvent(events.EventTypeCycle, now), Direction: "none"})
	bus.PublishSync(&events.CycleEvent{BaseEvent: events.NewBaseEvent(events.EventTypeCycle, now), Direction: "buy"})

	bus.Unsubscribe(sub)
	bus.PublishSync(&events.CycleEvent{BaseEvent: events.NewBaseEvent(events.EventTypeCycle, now), Direction: "sell"})

	assert.Equal(t, []string{"buy"}, got)
	assert.Equal(t, int64(0), bus.GetStats().ActiveSubscribers)
}

func TestEventIDsAreUnique(t *testing.T) {
	a := events.NewBaseEvent(events.EventTypeCycle, time.Now())
	b := events.NewBaseEvent(events.EventTypeCycle, time.Now())
	assert.NotEqual(t, a.ID, b.ID)
}
