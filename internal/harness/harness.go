// Package harness assembles one hardware-in-the-loop run: the two buses
// with their simulated peripherals, the radio link, the OBC control channel
// and the capture store. A System is created per run and passed explicitly
// to whatever drives the run.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"obc-harness/internal/beacon"
	"obc-harness/internal/comm"
	"obc-harness/internal/events"
	"obc-harness/internal/frame"
	"obc-harness/internal/i2c"
	"obc-harness/internal/obc"
	"obc-harness/internal/obcsim"
	"obc-harness/internal/store"
)

// OBC link modes.
const (
	ModeLoopback = "loopback" // simulated firmware in process
	ModeSerial   = "serial"   // real board over serial ports
	ModeNone     = "none"     // buses and radio only
)

// DefaultStartTimeout bounds the wait for the firmware to report started.
const DefaultStartTimeout = 10 * time.Second

var (
	ErrNotStarted = errors.New("harness: system not started")
	ErrNoOBC      = errors.New("harness: no obc link")
)

// SerialConfig names the serial ports of a real board.
type SerialConfig struct {
	TerminalPort   string
	TerminalBaud   int
	SystemBusPort  string
	PayloadBusPort string
	BusBaud        int
}

// Config configures a System.
type Config struct {
	Mode          string
	SingleBus     bool
	HandlerBudget time.Duration
	InboxCapacity int
	SecurityCode  uint32
	// TestDevices adds the echo and hanging devices to both buses.
	TestDevices  bool
	StartTimeout time.Duration
	RunName      string
	Serial       SerialConfig
	Sim          obcsim.Config
}

// DefaultConfig returns a loopback configuration with the test devices.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeLoopback,
		HandlerBudget: i2c.DefaultHandlerBudget,
		InboxCapacity: frame.DefaultInboxCapacity,
		TestDevices:   true,
		StartTimeout:  DefaultStartTimeout,
		Sim:           obcsim.DefaultConfig(),
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case "", ModeLoopback, ModeNone:
	case ModeSerial:
		if c.Serial.TerminalPort == "" {
			return fmt.Errorf("harness: serial mode needs a terminal port")
		}
	default:
		return fmt.Errorf("harness: unknown mode %q (supported: %s, %s, %s)", c.Mode, ModeLoopback, ModeSerial, ModeNone)
	}
	return nil
}

// Option customizes a System.
type Option func(*System)

// WithStore records the run into st. The System does not close st.
func WithStore(st store.Store) Option {
	return func(s *System) { s.store = st }
}

// WithSchemas decodes beacons with reg instead of the built-in schema.
func WithSchemas(reg *beacon.Registry) Option {
	return func(s *System) { s.schemas = reg }
}

// WithEvents uses bus instead of a private event bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *System) { s.events = bus }
}

// BeaconEvent is the data of events.BeaconDecoded.
type BeaconEvent struct {
	Version int          `json:"version"`
	Values  beacon.Store `json:"values"`
}

// System is the context of one harness run.
type System struct {
	cfg     Config
	logger  *slog.Logger
	events  *events.Bus
	ctrl    *i2c.Controller
	codec   *frame.Codec
	comm    *comm.Comm
	devices *Devices
	schemas *beacon.Registry
	store   store.Store

	mu      sync.Mutex
	started bool
	runID   string
	obc     *obc.OBC
	term    *obc.Terminal
	sim     *obcsim.Sim
	rec     *recorder
	closers []io.Closer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsub   func()
}

// New builds the buses, devices and radio link. Nothing runs until Start.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*System, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLoopback
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	s := &System{cfg: cfg, logger: logger.With("component", "harness")}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = events.NewBus(logger)
	}
	if s.schemas == nil {
		s.schemas = beacon.NewRegistry(beacon.DefaultSchema())
	}

	s.ctrl = i2c.NewController(i2c.Config{SingleBus: cfg.SingleBus, HandlerBudget: cfg.HandlerBudget}, s.events, logger)
	devs, err := addDevices(s.ctrl, s.events)
	if err != nil {
		return nil, err
	}
	s.devices = devs
	if cfg.TestDevices {
		if err := s.AddTestDevices(); err != nil {
			return nil, err
		}
	}

	s.codec = frame.NewCodec(frame.CodecConfig{SecurityCode: cfg.SecurityCode})
	s.comm = comm.New(s.codec, devs.Receiver, frame.NewInbox(cfg.InboxCapacity, logger), s.events, logger)
	s.unsub = s.events.On(events.FrameReceived, s.onFrame)
	return s, nil
}

// Start connects the OBC link, opens a run in the store and waits for the
// firmware to report started.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var err error
	switch s.cfg.Mode {
	case ModeLoopback:
		err = s.startLoopback(runCtx)
	case ModeSerial:
		err = s.startSerial()
	}
	if err == nil {
		err = s.ctrl.Start(runCtx)
	}
	if err != nil {
		cancel()
		s.closeLinks()
		return err
	}
	s.cancel = cancel
	s.started = true

	if s.store != nil {
		if err := s.openRun(); err != nil {
			s.logger.Error("open run", "err", err)
		}
	}

	if s.obc != nil {
		wctx, wcancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
		defer wcancel()
		if err := s.obc.WaitToStart(wctx); err != nil {
			return fmt.Errorf("harness: obc start: %w", err)
		}
	}
	s.logger.Info("system started", "mode", s.cfg.Mode, "run", s.runID)
	return nil
}

func (s *System) startLoopback(ctx context.Context) error {
	sys := i2c.NewLoopback()
	s.ctrl.SetTransport(i2c.SystemBus, sys)
	s.closers = append(s.closers, sys)
	var pld i2c.Initiator = sys
	if !s.cfg.SingleBus {
		lb := i2c.NewLoopback()
		s.ctrl.SetTransport(i2c.PayloadBus, lb)
		s.closers = append(s.closers, lb)
		pld = lb
	}

	s.sim = obcsim.New(sys, pld, s.codec, s.cfg.Sim, s.logger)
	local, remote := net.Pipe()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.sim.Serve(ctx, remote); err != nil {
			s.logger.Warn("simulated obc terminal stopped", "err", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.sim.Run(ctx)
	}()
	s.term = obc.NewTerminal(local, s.logger)
	s.obc = obc.New(s.term, s.logger)
	return nil
}

func (s *System) startSerial() error {
	sc := s.cfg.Serial
	if sc.SystemBusPort != "" {
		t, err := i2c.OpenSerialTransport(sc.SystemBusPort, sc.BusBaud, s.logger)
		if err != nil {
			return err
		}
		s.ctrl.SetTransport(i2c.SystemBus, t)
		s.closers = append(s.closers, t)
	}
	if sc.PayloadBusPort != "" && !s.cfg.SingleBus {
		t, err := i2c.OpenSerialTransport(sc.PayloadBusPort, sc.BusBaud, s.logger)
		if err != nil {
			return err
		}
		s.ctrl.SetTransport(i2c.PayloadBus, t)
		s.closers = append(s.closers, t)
	}
	term, err := obc.OpenSerialTerminal(sc.TerminalPort, sc.TerminalBaud, s.logger)
	if err != nil {
		return err
	}
	s.term = term
	s.obc = obc.New(term, s.logger)
	return nil
}

// Restart brings the system back to a clean state between tests: every
// fault flag is cleared on both buses, devices are re-enabled, pending
// downlink frames are dropped, and the OBC is reset and awaited.
func (s *System) Restart(ctx context.Context) error {
	s.mu.Lock()
	started, o := s.started, s.obc
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	s.ctrl.Reset()
	dropped := s.comm.Inbox().Drain()
	s.logger.Info("restarting", "dropped_frames", len(dropped))
	s.events.Publish(events.SystemRestart, s.RunID())

	if o != nil {
		if err := o.Reset(ctx); err != nil {
			return fmt.Errorf("harness: reset obc: %w", err)
		}
		if err := o.WaitToStart(ctx); err != nil {
			return fmt.Errorf("harness: obc start: %w", err)
		}
	}
	if s.store != nil && s.RunID() != "" {
		err := s.store.UpdateRun(s.RunID(), func(run *store.Run) error {
			run.Restarts++
			return nil
		})
		if err != nil {
			s.logger.Warn("record restart", "err", err)
		}
	}
	return nil
}

// Finish closes the run in the store with result.
func (s *System) Finish(result string) error {
	id := s.RunID()
	if s.store == nil || id == "" {
		return nil
	}
	return s.store.UpdateRun(id, func(run *store.Run) error {
		run.Result = result
		run.EndedAt = time.Now()
		return nil
	})
}

// Close stops everything Start launched. The System cannot be restarted.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.rec != nil {
		s.rec.close()
		s.rec = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctrl.Stop()
	s.closeLinks()
	s.wg.Wait()
	s.comm.Close()
	s.started = false
	s.logger.Info("system closed", "run", s.runID)
	return nil
}

func (s *System) closeLinks() {
	if s.term != nil {
		s.term.Close()
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("close link", "err", err)
		}
	}
	s.closers = nil
}

func (s *System) openRun() error {
	id := time.Now().UTC().Format("20060102T150405.000000000")
	run := &store.Run{ID: id, Name: s.cfg.RunName, StartedAt: time.Now()}
	if err := s.store.SaveRun(run); err != nil {
		return err
	}
	s.runID = id
	s.rec = newRecorder(s.store, id, s.events, s.logger)
	return nil
}

// onFrame decodes beacon frames and republishes them as
// events.BeaconDecoded.
func (s *System) onFrame(e events.Event) {
	f, ok := e.Data.(frame.Frame)
	if !ok || f.APID != frame.APIDBeacon {
		return
	}
	values, err := s.schemas.DecodeVersioned(f.Payload)
	if err != nil {
		s.logger.Warn("undecodable beacon", "err", err, "len", len(f.Payload))
		return
	}
	s.events.Publish(events.BeaconDecoded, BeaconEvent{Version: int(f.Payload[0]), Values: values})
}

// Events returns the event bus every component publishes on.
func (s *System) Events() *events.Bus { return s.events }

// Controller returns the bus controller, for fault injection.
func (s *System) Controller() *i2c.Controller { return s.ctrl }

// Comm returns the ground station side of the radio link.
func (s *System) Comm() *comm.Comm { return s.comm }

// Devices returns the standard peripherals.
func (s *System) Devices() *Devices { return s.devices }

// Schemas returns the beacon schema registry.
func (s *System) Schemas() *beacon.Registry { return s.schemas }

// Store returns the capture store, nil when none was given.
func (s *System) Store() store.Store { return s.store }

// Config returns the configuration the system was built with.
func (s *System) Config() Config { return s.cfg }

// OBC returns the control channel client, or ErrNoOBC before Start or in
// ModeNone.
func (s *System) OBC() (*obc.OBC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.obc == nil {
		return nil, ErrNoOBC
	}
	return s.obc, nil
}

// Sim returns the simulated firmware in ModeLoopback, nil otherwise.
func (s *System) Sim() *obcsim.Sim {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim
}

// RunID returns the store id of the current run, empty without a store.
func (s *System) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}
