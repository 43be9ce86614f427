package i2c

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"obc-harness/internal/events"
)

// DefaultHandlerBudget bounds a single device handler invocation.
const DefaultHandlerBudget = 500 * time.Millisecond

var (
	ErrAddressInUse   = errors.New("i2c: address already registered")
	ErrInvalidAddress = errors.New("i2c: address out of 7-bit range")
)

// Config configures a Controller.
type Config struct {
	// SingleBus aliases the payload bus onto the system bus: one registry,
	// one fault state, one transport.
	SingleBus     bool
	HandlerBudget time.Duration
}

// StateEvent is the data of events.BusStateChanged.
type StateEvent struct {
	Bus      string `json:"bus"`
	Disabled bool   `json:"disabled"`
	Latched  bool   `json:"latched"`
	Frozen   bool   `json:"frozen"`
}

// FaultEvent is the data of events.BusFault, emitted for every failed
// transaction.
type FaultEvent struct {
	Bus     string `json:"bus"`
	Address uint8  `json:"address"`
	Mode    string `json:"mode"`
	Code    int8   `json:"code"`
}

// LatchEvent is the data of events.BusLatched and events.PowerCycle when
// a device trips the latch.
type LatchEvent struct {
	Bus     string `json:"bus"`
	Address uint8  `json:"address"`
}

type entry struct {
	dev     Device
	enabled bool
}

type busState struct {
	name     BusSelector
	devices  map[Address]*entry
	disabled bool
	latched  bool
	frozen   bool
	thaw     chan struct{} // closed on Unfreeze
}

// Controller routes transactions to devices and applies fault injection.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	events *events.Bus

	mu    sync.RWMutex
	buses map[BusSelector]*busState

	transports map[BusSelector]Transport

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewController creates a controller with empty registries.
func NewController(cfg Config, bus *events.Bus, logger *slog.Logger) *Controller {
	if cfg.HandlerBudget <= 0 {
		cfg.HandlerBudget = DefaultHandlerBudget
	}
	c := &Controller{
		cfg:        cfg,
		logger:     logger.With("component", "i2c"),
		events:     bus,
		buses:      make(map[BusSelector]*busState),
		transports: make(map[BusSelector]Transport),
	}
	c.buses[SystemBus] = newBusState(SystemBus)
	if !cfg.SingleBus {
		c.buses[PayloadBus] = newBusState(PayloadBus)
	}
	return c
}

func newBusState(name BusSelector) *busState {
	return &busState{name: name, devices: make(map[Address]*entry)}
}

// physical resolves a logical bus to the bus that actually serves it.
func (c *Controller) physical(b BusSelector) BusSelector {
	if c.cfg.SingleBus {
		return SystemBus
	}
	return b
}

func (c *Controller) state(b BusSelector) *busState {
	return c.buses[c.physical(b)]
}

// SingleBus reports whether payload is aliased onto the system bus.
func (c *Controller) SingleBus() bool {
	return c.cfg.SingleBus
}

// AddDevice registers dev on bus. New devices start enabled.
func (c *Controller) AddDevice(dev Device, bus BusSelector) error {
	addr := dev.Address()
	if addr > MaxAddress {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(bus)
	if st == nil {
		return fmt.Errorf("i2c: unknown bus %s", bus)
	}
	if _, ok := st.devices[addr]; ok {
		return fmt.Errorf("%w: %s on %s", ErrAddressInUse, addr, st.name)
	}
	st.devices[addr] = &entry{dev: dev, enabled: true}
	c.logger.Debug("device registered", "bus", st.name, "addr", addr)
	return nil
}

// Enable toggles availability of the listed addresses on bus. Unknown
// addresses are ignored.
func (c *Controller) Enable(bus BusSelector, addrs []Address, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(bus)
	if st == nil {
		return
	}
	for _, a := range addrs {
		if e, ok := st.devices[a]; ok {
			e.enabled = enabled
		}
	}
}

// Device returns the device registered at addr on bus.
func (c *Controller) Device(bus BusSelector, addr Address) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.state(bus)
	if st == nil {
		return nil, false
	}
	e, ok := st.devices[addr]
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// SetTransport attaches the transport serving bus. It takes effect on the
// next Start.
func (c *Controller) SetTransport(bus BusSelector, t Transport) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.transports[c.physical(bus)] = t
}

// Start launches one serving goroutine per physical bus that has a
// transport. Calling Start on a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	for bus, t := range c.transports {
		c.wg.Add(1)
		go c.serve(ctx, bus, t)
	}
	c.logger.Info("bus controller started", "transports", len(c.transports), "single_bus", c.cfg.SingleBus)
	return nil
}

// Stop halts serving and waits for in-flight transactions to finish.
// Calling Stop on a stopped controller is a no-op.
func (c *Controller) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.running = false
	c.logger.Info("bus controller stopped")
}

func (c *Controller) serve(ctx context.Context, bus BusSelector, t Transport) {
	defer c.wg.Done()
	log := c.logger.With("bus", bus)
	for {
		req, err := t.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("transport read failed", "err", err)
			if errors.Is(err, ErrTransportClosed) {
				return
			}
			continue
		}
		req.Tx.Bus = bus
		// Stop only interrupts the wait for the next request; an accepted
		// transaction runs to completion under its own budget.
		resp := c.Transfer(context.WithoutCancel(ctx), req.Tx)
		if err := req.Reply(resp); err != nil {
			log.Warn("transport reply failed", "err", err)
		}
	}
}

// Transfer dispatches tx synchronously and returns its response.
func (c *Controller) Transfer(ctx context.Context, tx Transaction) Response {
	resp := c.dispatch(ctx, tx)
	if resp.Code != OK {
		c.events.Publish(events.BusFault, FaultEvent{
			Bus:     c.physical(tx.Bus).String(),
			Address: uint8(tx.Address),
			Mode:    tx.Mode.String(),
			Code:    int8(resp.Code),
		})
		c.logger.Debug("transaction failed", "tx", tx, "code", resp.Code)
	}
	return resp
}

func (c *Controller) dispatch(ctx context.Context, tx Transaction) Response {
	c.mu.RLock()
	st := c.state(tx.Bus)
	if st == nil {
		c.mu.RUnlock()
		return Response{Code: NAK}
	}
	if st.disabled {
		c.mu.RUnlock()
		return Response{Code: NAK}
	}
	if st.latched {
		c.mu.RUnlock()
		return Response{Code: Latch}
	}
	e, ok := st.devices[tx.Address]
	if !ok || !e.enabled {
		c.mu.RUnlock()
		return Response{Code: NAK}
	}
	dev := e.dev
	frozen, thaw := st.frozen, st.thaw
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerBudget)
	defer cancel()

	if frozen {
		select {
		case <-thaw:
		case <-ctx.Done():
			return Response{Code: Timeout}
		}
	}

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("device handler panic", "addr", tx.Address, "panic", r)
				done <- Result{Fault: NAK}
			}
		}()
		done <- dev.Handle(ctx, tx)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		c.logger.Warn("device handler exceeded budget", "bus", st.name, "addr", tx.Address, "budget", c.cfg.HandlerBudget)
		return Response{Code: Timeout}
	}

	for _, eff := range res.Effects {
		c.applyEffect(st, tx.Address, eff)
	}

	if res.Fault != OK {
		return Response{Code: res.Fault}
	}
	data := res.Data
	if tx.Mode != Write && tx.ReadLen > 0 && len(data) > tx.ReadLen {
		data = data[:tx.ReadLen]
	}
	if tx.Mode == Write {
		data = nil
	}
	return Response{Data: data}
}

func (c *Controller) applyEffect(st *busState, addr Address, eff Effect) {
	ev := LatchEvent{Bus: st.name.String(), Address: uint8(addr)}
	switch eff {
	case EffectLatch:
		c.mu.Lock()
		st.latched = true
		c.mu.Unlock()
		c.logger.Warn("bus latched by device", "bus", st.name, "addr", addr)
		c.emitState(st)
		c.events.Publish(events.BusLatched, ev)
		c.events.Publish(events.PowerCycle, ev)
	case EffectPowerCycle:
		c.events.Publish(events.PowerCycle, ev)
	}
}

func (c *Controller) emitState(st *busState) {
	c.mu.RLock()
	ev := StateEvent{Bus: st.name.String(), Disabled: st.disabled, Latched: st.latched, Frozen: st.frozen}
	c.mu.RUnlock()
	c.events.Publish(events.BusStateChanged, ev)
}

func (c *Controller) update(bus BusSelector, fn func(st *busState) bool) {
	c.mu.Lock()
	st := c.state(bus)
	changed := st != nil && fn(st)
	c.mu.Unlock()
	if changed {
		c.emitState(st)
	}
}

// DisableBus makes every system bus transaction fail with NAK.
func (c *Controller) DisableBus() { c.setDisabled(SystemBus, true) }

// EnableBus clears DisableBus.
func (c *Controller) EnableBus() { c.setDisabled(SystemBus, false) }

// DisablePayload makes every payload bus transaction fail with NAK.
func (c *Controller) DisablePayload() { c.setDisabled(PayloadBus, true) }

// EnablePayload clears DisablePayload.
func (c *Controller) EnablePayload() { c.setDisabled(PayloadBus, false) }

func (c *Controller) setDisabled(bus BusSelector, v bool) {
	c.update(bus, func(st *busState) bool {
		if st.disabled == v {
			return false
		}
		st.disabled = v
		return true
	})
}

// Latch trips the bus protection.
func (c *Controller) Latch(bus BusSelector) {
	changed := false
	c.update(bus, func(st *busState) bool {
		changed = !st.latched
		st.latched = true
		return changed
	})
	if changed {
		c.events.Publish(events.BusLatched, LatchEvent{Bus: c.physical(bus).String()})
	}
}

// Unlatch restores the bus after a latch. Unlatching a healthy bus is a
// no-op.
func (c *Controller) Unlatch(bus BusSelector) {
	changed := false
	c.update(bus, func(st *busState) bool {
		changed = st.latched
		st.latched = false
		return changed
	})
	if changed {
		c.events.Publish(events.BusUnlatched, LatchEvent{Bus: c.physical(bus).String()})
	}
}

// Freeze holds every transaction on bus until Unfreeze or until the handler
// budget elapses.
func (c *Controller) Freeze(bus BusSelector) {
	c.update(bus, func(st *busState) bool {
		if st.frozen {
			return false
		}
		st.frozen = true
		st.thaw = make(chan struct{})
		return true
	})
}

// Unfreeze releases transactions held by Freeze.
func (c *Controller) Unfreeze(bus BusSelector) {
	c.update(bus, func(st *busState) bool {
		if !st.frozen {
			return false
		}
		st.frozen = false
		close(st.thaw)
		return true
	})
}

// Latched reports the latch flag of bus.
func (c *Controller) Latched(bus BusSelector) bool {
	return c.State(bus).Latched
}

// State returns a snapshot of the fault flags of bus.
func (c *Controller) State(bus BusSelector) StateEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.state(bus)
	if st == nil {
		return StateEvent{Bus: bus.String()}
	}
	return StateEvent{Bus: st.name.String(), Disabled: st.disabled, Latched: st.latched, Frozen: st.frozen}
}

// Reset clears every fault flag on every bus and re-enables all devices.
func (c *Controller) Reset() {
	for _, b := range []BusSelector{SystemBus, PayloadBus} {
		c.Unfreeze(b)
		c.Unlatch(b)
		c.setDisabled(b, false)
	}
	c.mu.Lock()
	for _, st := range c.buses {
		for _, e := range st.devices {
			e.enabled = true
		}
	}
	c.mu.Unlock()
}
