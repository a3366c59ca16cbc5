package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestComputeProgress(t *testing.T) {
	assert.Equal(t, 0.0, ComputeProgress(0, 8, CapBeforeReview))
	assert.Equal(t, 40.0, ComputeProgress(4, 8, CapBeforeReview))
	assert.Equal(t, 80.0, ComputeProgress(12, 8, CapBeforeReview))
	assert.Equal(t, 100.0, ComputeProgress(8, 8, CapFinal))
	assert.Equal(t, 0.0, ComputeProgress(3, 0, CapFinal))
}

func TestBus_PublishOrderAndSequence(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, Event{SessionID: "s1", Type: EventStepCompleted, Source: "test"})
		require.NoError(t, err)
	}

	events := bus.Events("s1")
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Empty(t, bus.Events("other"))
}

func TestBus_ProgressNeverDecreases(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	for _, p := range []float64{10, 40, 20, 80, 0, 100, 50} {
		_, err := bus.Publish(ctx, Event{SessionID: "s", Type: EventStepCompleted, Progress: p})
		require.NoError(t, err)
	}

	var last float64
	for _, ev := range bus.Events("s") {
		assert.GreaterOrEqual(t, ev.Progress, last)
		last = ev.Progress
	}
	assert.Equal(t, 100.0, bus.Progress("s"))
}

func TestBus_SubscribeReplaysBacklog(t *testing.T) {
	bus := NewBus(Config{BufferSize: 4})
	ctx := context.Background()

	_, _ = bus.Publish(ctx, Event{SessionID: "s", Type: EventWorkflowStarted})
	_, _ = bus.Publish(ctx, Event{SessionID: "s", Type: EventStepCompleted})

	sub := bus.Subscribe("s")
	defer sub.Close()

	_, _ = bus.Publish(ctx, Event{SessionID: "s", Type: EventWorkflowCompleted})

	got := collect(t, sub, 3)
	require.Len(t, got, 3)
	assert.Equal(t, EventWorkflowStarted, got[0].Type)
	assert.Equal(t, EventWorkflowCompleted, got[2].Type)
	assert.True(t, got[2].Terminal())
}

func TestBus_CompleteClosesSubscribers(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	sub := bus.Subscribe("s")
	_, _ = bus.Publish(ctx, Event{SessionID: "s", Type: EventWorkflowCompleted, Progress: 100})
	bus.Complete("s")

	got := collect(t, sub, 10)
	assert.Len(t, got, 1)

	// Finished sessions stay readable and replay on subscribe.
	assert.Len(t, bus.Events("s"), 1)
	assert.Equal(t, 100.0, bus.Progress("s"))

	late := bus.Subscribe("s")
	assert.Len(t, collect(t, late, 10), 1)
	assert.Equal(t, 0, bus.Stats().LiveSessions)
}

func TestBus_NewRunStartsFreshLog(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	_, _ = bus.Publish(ctx, Event{SessionID: "s", Type: EventWorkflowCompleted, Progress: 100})
	bus.Complete("s")

	ev, err := bus.Publish(ctx, Event{SessionID: "s", Type: EventWorkflowStarted, Progress: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence)
	assert.Equal(t, 5.0, ev.Progress)
}

func TestBus_SlowSubscriberDropsWithoutBlockingForever(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	bus := NewBus(Config{BufferSize: 1, PublishTimeout: 10 * time.Millisecond}, WithMeter(tt.Meter("test")))
	ctx := context.Background()

	sub := bus.Subscribe("s")
	defer sub.Close()

	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := bus.Publish(ctx, Event{SessionID: "s", Type: EventStepCompleted})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, int64(3), sub.Dropped())
	assert.Equal(t, int64(3), bus.Stats().Dropped)
	assert.Equal(t, int64(3), tt.CounterValue(t, "meritflow.stream.dropped_total"))
	// The log keeps everything.
	assert.Len(t, bus.Events("s"), 4)
}

func TestBus_ConcurrentSessions(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = bus.Publish(ctx, Event{SessionID: id, Type: EventStepCompleted, Progress: float64(i)})
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		events := bus.Events(id)
		require.Len(t, events, 50)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}
	}
	assert.Equal(t, int64(200), bus.Stats().Published)
}

type failingSink struct{}

func (failingSink) Publish(context.Context, Event) error { return errors.New("unreachable") }

func TestBus_SinkFailureIsNotFatal(t *testing.T) {
	bus := NewBus(Config{}, WithSink(failingSink{}))
	_, err := bus.Publish(context.Background(), Event{SessionID: "s", Type: EventStepStarted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), bus.Stats().SinkFailures)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(Config{})
	sub := bus.Subscribe("s")
	require.NoError(t, bus.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err := bus.Publish(context.Background(), Event{SessionID: "s"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_RequiresSessionID(t *testing.T) {
	_, err := NewBus(Config{}).Publish(context.Background(), Event{Type: EventStepStarted})
	assert.Error(t, err)
}

func TestSubscription_CloseUnusedSessionForgetsIt(t *testing.T) {
	bus := NewBus(Config{})
	sub := bus.Subscribe("never-used")
	assert.Equal(t, 1, bus.Stats().LiveSessions)
	sub.Close()
	assert.Equal(t, 0, bus.Stats().LiveSessions)
}

func TestBus_SubscribeKnown(t *testing.T) {
	b := NewBus(Config{})
	ctx := context.Background()

	sub, ok := b.SubscribeKnown("nobody")
	assert.False(t, ok)
	assert.Nil(t, sub)
	assert.Zero(t, b.Stats().LiveSessions, "an unknown lookup must not open a session")

	_, err := b.Publish(ctx, Event{SessionID: "s1", Type: EventWorkflowStarted})
	require.NoError(t, err)
	live, ok := b.SubscribeKnown("s1")
	require.True(t, ok)
	defer live.Close()
	assert.Len(t, collect(t, live, 1), 1)

	b.Complete("s1")
	done, ok := b.SubscribeKnown("s1")
	require.True(t, ok)
	events := collect(t, done, 2)
	assert.Len(t, events, 1, "finished replay closes after the backlog")
}

func TestBus_SubscribeRacingCompleteAlwaysEnds(t *testing.T) {
	b := NewBus(Config{})
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("race-%d", i)
		_, err := b.Publish(ctx, Event{SessionID: id, Type: EventWorkflowStarted})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var sub *Subscription
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Complete(id)
		}()
		go func() {
			defer wg.Done()
			sub = b.Subscribe(id)
		}()
		wg.Wait()

		timeout := time.After(2 * time.Second)
	drain:
		for {
			select {
			case _, ok := <-sub.Events():
				if !ok {
					break drain
				}
			case <-timeout:
				t.Fatalf("subscription to %s never closed", id)
			}
		}
		sub.Close()
	}
}
