package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBus(t *testing.T, config EventBusConfig) *Bus {
	t.Helper()
	bus := NewEventBus(config, nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { bus.Stop(context.Background()) })
	return bus
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := startBus(t, DefaultEventBusConfig())

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe("test", EventFilter{Types: []EventType{EventJobState}}, func(e Event) error {
		mu.Lock()
		got = append(got, e.Data["to"].(string))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, state := range []string{"preflight", "rendering", "draining", "succeeded"} {
		require.NoError(t, bus.Publish(ctx, NewJobStateEvent("b1", "songA", "", state, "")))
	}
	require.NoError(t, bus.Publish(ctx, NewJobProgressEvent("b1", "songA", 50, 150, 301, "00:00:05.00")))
	require.NoError(t, bus.Stop(ctx))

	assert.Equal(t, []string{"preflight", "rendering", "draining", "succeeded"}, got)

	stats := bus.Stats()
	assert.Equal(t, int64(5), stats.TotalEvents)
	assert.Equal(t, int64(4), stats.EventsByType[string(EventJobState)])
	assert.Equal(t, 1, stats.ActiveSubscriptions)
}

func TestBusFilterByJob(t *testing.T) {
	bus := startBus(t, DefaultEventBusConfig())

	received := make(chan Event, 4)
	_, err := bus.Subscribe("test", EventFilter{JobIDs: []string{"songB"}}, func(e Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishAsync(NewJobSkippedEvent("b1", "songA", "out/songA/songA.mp4")))
	require.NoError(t, bus.PublishAsync(NewJobSkippedEvent("b1", "songB", "out/songB/songB.mp4")))
	require.NoError(t, bus.Stop(context.Background()))

	require.Len(t, received, 1)
	e := <-received
	assert.Equal(t, "songB", e.JobID)
	assert.Equal(t, "Skipping songB", e.Message)
	assert.NotEmpty(t, e.ID)
}

func TestBusHandlerFailuresAreIsolated(t *testing.T) {
	bus := startBus(t, DefaultEventBusConfig())

	calls := 0
	_, err := bus.Subscribe("panics", EventFilter{}, func(Event) error { panic("boom") })
	require.NoError(t, err)
	_, err = bus.Subscribe("errors", EventFilter{}, func(Event) error { return errors.New("nope") })
	require.NoError(t, err)
	_, err = bus.Subscribe("ok", EventFilter{}, func(Event) error { calls++; return nil })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewBatchEvent(EventBatchStarted, "b1", nil)))
	require.NoError(t, bus.Stop(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestBusRejectsInvalidAndStopped(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig(), nil)
	assert.Error(t, bus.PublishAsync(NewBatchEvent(EventBatchStarted, "b1", nil)))
	assert.Error(t, bus.Health())

	require.NoError(t, bus.Start(context.Background()))
	assert.Error(t, bus.Start(context.Background()))
	assert.NoError(t, bus.Health())
	assert.Error(t, bus.PublishAsync(Event{Source: "x"}))
	assert.Error(t, bus.PublishAsync(Event{Type: EventJobState}))

	_, err := bus.Subscribe("nil", EventFilter{}, nil)
	assert.Error(t, err)
	assert.Error(t, bus.Unsubscribe("sub-missing"))

	require.NoError(t, bus.Stop(context.Background()))
	require.NoError(t, bus.Stop(context.Background()))
	assert.Error(t, bus.Publish(context.Background(), NewBatchEvent(EventBatchStarted, "b1", nil)))
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := startBus(t, EventBusConfig{BufferSize: 1})

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	_, err := bus.Subscribe("slow", EventFilter{}, func(Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishAsync(NewBatchEvent(EventBatchStarted, "b1", nil)))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	require.NoError(t, bus.PublishAsync(NewBatchEvent(EventBatchStarted, "b2", nil)))
	assert.Error(t, bus.PublishAsync(NewBatchEvent(EventBatchStarted, "b3", nil)))
	close(release)
	require.NoError(t, bus.Stop(context.Background()))

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats.DroppedEvents)
	assert.Equal(t, int64(2), stats.TotalEvents)
}

func TestRecentKeepsNewest(t *testing.T) {
	bus := startBus(t, EventBusConfig{RecentEvents: 2})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(context.Background(), NewJobSkippedEvent("b1", id, "")))
	}
	require.NoError(t, bus.Stop(context.Background()))

	recent := bus.Recent(EventFilter{}, 0)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].JobID)
	assert.Equal(t, "c", recent[1].JobID)
	assert.Len(t, bus.Recent(EventFilter{}, 1), 1)
}
