package events

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusEmitOn(t *testing.T) {
	b := NewBus(newTestLogger())
	var received Event

	b.On(PowerCycle, func(e Event) {
		received = e
	})

	b.Emit(Event{Type: PowerCycle, Data: "system"})

	assert.Equal(t, PowerCycle, received.Type)
	assert.Equal(t, "system", received.Data)
}

func TestBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	b := NewBus(newTestLogger())
	called := false

	b.On(PowerCycle, func(e Event) {
		called = true
	})

	b.Emit(Event{Type: BusLatched, Data: "system"})

	assert.False(t, called, "handler for power.cycle should not fire on bus.latched")
}

func TestBusMultipleSubscribers(t *testing.T) {
	b := NewBus(newTestLogger())
	var first, second atomic.Int32

	b.On(TransmitterReset, func(Event) { first.Add(1) })
	b.On(TransmitterReset, func(Event) { second.Add(1) })

	b.Publish(TransmitterReset, nil)

	assert.EqualValues(t, 1, first.Load(), "first subscriber must not be dropped")
	assert.EqualValues(t, 1, second.Load())
}

func TestBusOnAll(t *testing.T) {
	b := NewBus(newTestLogger())
	var types []string
	b.OnAll(func(e Event) { types = append(types, e.Type) })

	b.Publish(BusLatched, nil)
	b.Publish(PowerCycle, nil)

	assert.Equal(t, []string{BusLatched, PowerCycle}, types)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(newTestLogger())
	count := 0
	unsub := b.On(AntennaDeploy, func(Event) { count++ })

	b.Publish(AntennaDeploy, nil)
	unsub()
	b.Publish(AntennaDeploy, nil)

	assert.Equal(t, 1, count)
}

func TestBusPanicRecovery(t *testing.T) {
	b := NewBus(newTestLogger())
	called := false

	b.On(BusFault, func(Event) { panic("boom") })
	b.OnAll(func(Event) { called = true })

	require.NotPanics(t, func() { b.Publish(BusFault, nil) })
	assert.True(t, called, "remaining handlers still run after a panic")
}

func TestBusConcurrentEmit(t *testing.T) {
	b := NewBus(newTestLogger())
	var count atomic.Int64
	b.OnAll(func(Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(FrameReceived, nil)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, count.Load())
}

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus(newTestLogger())
	var order []string
	b.OnAll(func(Event) { order = append(order, "all") })
	b.On(BusLatched, func(Event) { order = append(order, "latched") })
	unsub := b.On(BusLatched, func(Event) { order = append(order, "gone") })
	b.OnAll(func(Event) { order = append(order, "all2") })
	unsub()

	b.Publish(BusLatched, nil)

	assert.Equal(t, []string{"all", "latched", "all2"}, order)
}

func TestBusCount(t *testing.T) {
	b := NewBus(newTestLogger())
	assert.Zero(t, b.Count(EPSPowerCycle))

	b.Publish(EPSPowerCycle, nil)
	b.Publish(EPSPowerCycle, nil)
	b.Publish(BusLatched, nil)

	assert.EqualValues(t, 2, b.Count(EPSPowerCycle))
	assert.EqualValues(t, 1, b.Count(BusLatched))
}

func TestBusWaitFor(t *testing.T) {
	b := NewBus(newTestLogger())
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Publish(BusLatched, "payload")
		b.Publish(BusLatched, "system")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := b.WaitFor(ctx, BusLatched, func(e Event) bool { return e.Data == "system" })
	require.NoError(t, err)
	assert.Equal(t, "system", e.Data)

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err = b.WaitFor(short, BusUnlatched, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNilBusEmitIsNoop(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(PowerCycle, nil) })
}

func TestSignalWait(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.Wait(10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.Set()
	}()
	assert.True(t, s.Wait(time.Second))
	assert.True(t, s.IsSet())

	// Stays set until reset.
	assert.True(t, s.Wait(time.Millisecond))

	s.Reset()
	assert.False(t, s.IsSet())
	assert.False(t, s.Wait(10*time.Millisecond))
}

func TestSignalSetTwice(t *testing.T) {
	s := NewSignal()
	s.Set()
	assert.NotPanics(t, s.Set)
	s.Reset()
	s.Reset()
	s.Set()
	assert.True(t, s.Wait(time.Millisecond))
}

func TestSignalOn(t *testing.T) {
	b := NewBus(newTestLogger())
	s, unsub := SignalOn(b, EPSPowerCycle)
	defer unsub()

	b.Publish(TransmitterReset, nil)
	assert.False(t, s.IsSet())

	b.Publish(EPSPowerCycle, nil)
	assert.True(t, s.Wait(time.Second))
}
