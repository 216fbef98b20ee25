package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesTypeAndWildcardHandlers(t *testing.T) {
	e := NewEmitter(10, nil)

	var typed, wild atomic.Int32
	e.On(string(EventMessageReceived), func(ctx context.Context, ev *Event) error {
		typed.Add(1)
		return nil
	})
	e.On(Wildcard, func(ctx context.Context, ev *Event) error {
		wild.Add(1)
		return nil
	})

	e.Emit(context.Background(), New(EventMessageReceived))
	e.Emit(context.Background(), New(EventToolCalled))

	assert.Equal(t, int32(1), typed.Load())
	assert.Equal(t, int32(2), wild.Load())
}

func TestEmitIsolatesFailures(t *testing.T) {
	e := NewEmitter(10, nil)

	var survived atomic.Bool
	e.On(Wildcard, func(ctx context.Context, ev *Event) error {
		panic("boom")
	}, WithName("panicky"))
	e.On(Wildcard, func(ctx context.Context, ev *Event) error {
		return errors.New("handler error")
	}, WithName("erroring"))
	e.On(Wildcard, func(ctx context.Context, ev *Event) error {
		survived.Store(true)
		return nil
	}, WithName("healthy"))

	e.Emit(context.Background(), New(EventGatewayStartup))

	assert.True(t, survived.Load(), "healthy handler runs despite peers failing")
}

func TestOff(t *testing.T) {
	e := NewEmitter(10, nil)

	var calls atomic.Int32
	id := e.On(string(EventToolCalled), func(ctx context.Context, ev *Event) error {
		calls.Add(1)
		return nil
	})

	e.Emit(context.Background(), New(EventToolCalled))
	require.True(t, e.Off(id))
	e.Emit(context.Background(), New(EventToolCalled))

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, e.Off(id), "second Off is a no-op")
	assert.Zero(t, e.HandlerCount(string(EventToolCalled)))
}

func TestHistoryBounded(t *testing.T) {
	e := NewEmitter(3, nil)

	for i := 0; i < 5; i++ {
		e.Emit(context.Background(), New(EventMessageSent).WithData("i", i))
	}

	recent := e.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].Data["i"])
	assert.Equal(t, 4, recent[2].Data["i"])
}

func TestPriorityOrdersSpawn(t *testing.T) {
	e := NewEmitter(10, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, ev *Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Handlers run concurrently, so only verify all three ran; spawn
	// order is priority-sorted but completion order is not guaranteed.
	e.On(Wildcard, record("low"), WithPriority(PriorityLow))
	e.On(Wildcard, record("high"), WithPriority(PriorityHigh))
	e.On(Wildcard, record("normal"), WithPriority(PriorityNormal))

	e.Emit(context.Background(), New(EventGatewayStartup))

	assert.ElementsMatch(t, []string{"low", "normal", "high"}, order)
}

func TestEmitAsyncAndDrain(t *testing.T) {
	e := NewEmitter(10, nil)

	var calls atomic.Int32
	e.On(Wildcard, func(ctx context.Context, ev *Event) error {
		calls.Add(1)
		return nil
	})

	for i := 0; i < 4; i++ {
		e.EmitAsync(context.Background(), New(Type(fmt.Sprintf("custom.%d", i))))
	}
	e.Drain()

	assert.Equal(t, int32(4), calls.Load())
}

func TestEventCorrelationBuilders(t *testing.T) {
	ev := New(EventRequestActive).
		WithNode("discord-main", "discord").
		WithRequest("m1", "u1", "c1").
		WithData("position", 1)

	assert.Equal(t, "discord-main", ev.NodeID)
	assert.Equal(t, "discord", ev.Platform)
	assert.Equal(t, "m1", ev.RequestID)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "c1", ev.ChannelID)
	assert.Equal(t, 1, ev.Data["position"])
	assert.False(t, ev.Timestamp.IsZero())
}
