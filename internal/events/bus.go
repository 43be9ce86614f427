// Package events carries notifications from simulated devices and the bus
// controller to test code, bridges and scripts.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Event types
const (
	BusLatched         = "bus.latched"
	BusUnlatched       = "bus.unlatched"
	BusFault           = "bus.fault"
	BusStateChanged    = "bus.state"
	PowerCycle         = "power.cycle"
	EPSPowerCycle      = "eps.power_cycle"
	EPSLCL             = "eps.lcl"
	TransmitterFrame   = "transmitter.frame"
	TransmitterReset   = "transmitter.reset"
	TransmitterIdle    = "transmitter.idle_state"
	TransmitterBitrate = "transmitter.bitrate"
	ReceiverReset      = "receiver.reset"
	ReceiverFrameRead  = "receiver.frame_read"
	AntennaArm         = "antenna.arm"
	AntennaDeploy      = "antenna.deploy"
	ImtqCommand        = "imtq.command"
	ClockSet           = "clock.set"
	FrameReceived      = "comm.frame"
	FrameMalformed     = "comm.malformed"
	BeaconDecoded      = "comm.beacon"
	SystemRestart      = "system.restart"
)

// Event is a single notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus fans device and controller notifications out to subscribers.
// Handlers run synchronously in subscription order, so a test that
// subscribes before acting sees every event the action causes. The bus
// also counts emissions per type for assertions that need no handler.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID uint64
	counts map[string]uint64
	logger *slog.Logger
}

type subscription struct {
	id      uint64
	typ     string // empty for OnAll
	handler Handler
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		counts: make(map[string]uint64),
		logger: logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	return b.subscribe(eventType, handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler Handler) func() {
	return b.subscribe("", handler)
}

func (b *Bus) subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, typ: eventType, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit sends an event to all matching handlers.
// A panicking handler is recovered and the rest still run.
func (b *Bus) Emit(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.counts[event.Type]++
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.typ == "" || sub.typ == event.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.call(h, event)
	}
}

func (b *Bus) call(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}

// Publish is shorthand for Emit(Event{Type: eventType, Data: data}).
func (b *Bus) Publish(eventType string, data any) {
	b.Emit(Event{Type: eventType, Data: data})
}

// Count returns how many events of eventType have been emitted.
func (b *Bus) Count(eventType string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[eventType]
}

// WaitFor blocks until an event of eventType satisfying match is emitted
// or ctx is done. A nil match accepts any event of the type. Only events
// emitted after the call are considered.
func (b *Bus) WaitFor(ctx context.Context, eventType string, match func(Event) bool) (Event, error) {
	got := make(chan Event, 1)
	unsub := b.On(eventType, func(e Event) {
		if match != nil && !match(e) {
			return
		}
		select {
		case got <- e:
		default:
		}
	})
	defer unsub()
	select {
	case e := <-got:
		return e, nil
	case <-ctx.Done():
		return Event{}, fmt.Errorf("events: waiting for %s: %w", eventType, ctx.Err())
	}
}
