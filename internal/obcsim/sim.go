// Package obcsim is a simulated OBC firmware. It stands in for the real
// board in loopback runs: it polls the receiver for telecommands, answers
// them through the transmitter, serves the control channel and power-cycles
// itself through the EPS when a bus latches.
package obcsim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"obc-harness/internal/beacon"
	"obc-harness/internal/devices"
	"obc-harness/internal/frame"
	"obc-harness/internal/i2c"
	"obc-harness/internal/obc"
)

// Driver command bytes, as the firmware drivers send them.
const (
	cmdRxFrameCount  = 0x21
	cmdRxGetFrame    = 0x22
	cmdRxRemoveFrame = 0x24
	cmdTxSendFrame   = 0x10
	cmdTxIdleState   = 0x24
	cmdTxSetBitrate  = 0x28
	cmdTxGetState    = 0x41
	cmdCommReset     = 0xAA
	cmdEPSPowerCycle = 0xE0
	cmdEPSHousekeep  = 0x00
	cmdAntennaStatus = 0xC3
	cmdImtqState     = 0x41
	rtcTimeRegister  = 0x02
)

// rxFrameHeader is length, doppler and rssi ahead of the frame bytes.
const (
	rxFrameHeader = 6
	rxMaxFrame    = 300
)

// Defaults.
const (
	DefaultPollInterval = 20 * time.Millisecond
	DefaultBootDelay    = 50 * time.Millisecond
	DefaultBanner       = "PW-Sat2 OBC (simulated)"
)

// Config tunes the simulated firmware.
type Config struct {
	PollInterval time.Duration
	BootDelay    time.Duration
	Banner       string
	Files        map[string][]byte
	// RecoverLatch power-cycles through the EPS on the other bus when a
	// transfer reports a latch.
	RecoverLatch bool
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		BootDelay:    DefaultBootDelay,
		Banner:       DefaultBanner,
		RecoverLatch: true,
	}
}

// Sim is the simulated firmware.
type Sim struct {
	sys, pld i2c.Initiator
	codec    *frame.Codec
	schema   *beacon.Schema
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	files       map[string][]byte
	bootedAt    time.Time
	bootCount   uint32
	commPaused  bool
	missionTime time.Duration
	missionSet  time.Time
	idleTimer   *time.Timer
	rxFrames    uint32
	txFrames    uint32
	server      *obc.Server
	// recovering marks buses whose latch has already been power cycled;
	// cleared by the first non-latch response on that bus.
	recovering map[i2c.BusSelector]bool
	seq        map[uint8]uint32
}

// New creates a simulated firmware talking to the system and payload buses.
// pld may be the same initiator as sys on single-bus setups.
func New(sys, pld i2c.Initiator, codec *frame.Codec, cfg Config, logger *slog.Logger) *Sim {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Banner == "" {
		cfg.Banner = DefaultBanner
	}
	if cfg.BootDelay < 0 {
		cfg.BootDelay = 0
	}
	files := make(map[string][]byte, len(cfg.Files))
	for k, v := range cfg.Files {
		files[k] = append([]byte(nil), v...)
	}
	now := time.Now()
	return &Sim{
		sys:        sys,
		pld:        pld,
		codec:      codec,
		schema:     beacon.DefaultSchema(),
		cfg:        cfg,
		logger:     logger.With("component", "obcsim"),
		files:      files,
		bootedAt:   now,
		bootCount:  1,
		missionSet: now,
		recovering: make(map[i2c.BusSelector]bool),
		seq:        make(map[uint8]uint32),
	}
}

// Serve runs the control channel over rw until ctx is done or the stream
// ends. A boot banner is sent first.
func (s *Sim) Serve(ctx context.Context, rw io.ReadWriter) error {
	srv := obc.NewServer(rw, s, s.logger)
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	if err := srv.Boot(s.cfg.Banner); err != nil {
		return fmt.Errorf("obcsim: boot banner: %w", err)
	}
	return srv.Serve(ctx)
}

// Run polls the receiver and handles telecommands until ctx is done.
func (s *Sim) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	defer s.stopIdleTimer()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !s.started() || s.paused() {
			continue
		}
		s.poll(ctx)
	}
}

// Reboot restarts the firmware: volatile state is cleared, files survive.
func (s *Sim) Reboot() {
	s.stopIdleTimer()
	s.mu.Lock()
	s.bootedAt = time.Now()
	s.bootCount++
	s.commPaused = false
	s.seq = make(map[uint8]uint32)
	srv := s.server
	boots := s.bootCount
	s.mu.Unlock()

	s.logger.Info("rebooting", "boot_count", boots)
	if srv != nil {
		if err := srv.Boot(s.cfg.Banner); err != nil {
			s.logger.Warn("boot banner failed", "err", err)
		}
	}
}

// BootCount returns the number of boots since creation.
func (s *Sim) BootCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootCount
}

func (s *Sim) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.bootedAt) >= s.cfg.BootDelay
}

func (s *Sim) paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commPaused
}

func (s *Sim) stopIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// transfer runs one transaction and starts latch recovery when the bus
// reports a latch.
func (s *Sim) transfer(ctx context.Context, tx i2c.Transaction) i2c.Response {
	bus, sel := s.sys, i2c.SystemBus
	if tx.Bus == i2c.PayloadBus {
		bus, sel = s.pld, i2c.PayloadBus
	}
	resp := bus.Transfer(ctx, tx)
	if resp.Code != i2c.Latch {
		s.mu.Lock()
		delete(s.recovering, sel)
		s.mu.Unlock()
		return resp
	}
	// A latch seen while still booting belongs to the recovery in progress.
	if s.cfg.RecoverLatch && s.started() && s.beginRecovery(sel) {
		s.recoverLatch(ctx, sel)
	}
	return resp
}

// beginRecovery reports whether this latch episode still needs a power
// cycle. One cycle is attempted per episode; a latch that survives it is
// left for the operator.
func (s *Sim) beginRecovery(bus i2c.BusSelector) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovering[bus] {
		return false
	}
	s.recovering[bus] = true
	return true
}

// recoverLatch asks the EPS controller reachable on the other bus for a
// power cycle, then reboots.
func (s *Sim) recoverLatch(ctx context.Context, latched i2c.BusSelector) {
	via, addr := i2c.PayloadBus, devices.EPSControllerBAddress
	if latched == i2c.PayloadBus {
		via, addr = i2c.SystemBus, devices.EPSControllerAAddress
	}
	initiator := s.sys
	if via == i2c.PayloadBus {
		initiator = s.pld
	}
	s.logger.Warn("bus latched, power cycling", "bus", latched, "via", via, "eps", addr)
	resp := initiator.Transfer(ctx, i2c.Transaction{Bus: via, Address: addr, Mode: i2c.Write, Data: []byte{cmdEPSPowerCycle}})
	if resp.Code != i2c.OK {
		s.logger.Error("power cycle request failed", "bus", via, "code", resp.Code)
		s.mu.Lock()
		delete(s.recovering, latched)
		s.mu.Unlock()
		return
	}
	s.Reboot()
}

func (s *Sim) poll(ctx context.Context) {
	resp := s.transfer(ctx, i2c.Transaction{Address: devices.ReceiverAddress, Mode: i2c.WriteRead, Data: []byte{cmdRxFrameCount}, ReadLen: 2})
	if resp.Code != i2c.OK || len(resp.Data) < 2 {
		return
	}
	count := int(resp.Data[0]) | int(resp.Data[1])<<8
	for i := 0; i < count; i++ {
		raw, ok := s.takeFrame(ctx)
		if !ok {
			return
		}
		s.handleUplink(ctx, raw)
	}
}

// takeFrame reads and removes the oldest receiver frame.
func (s *Sim) takeFrame(ctx context.Context) ([]byte, bool) {
	resp := s.transfer(ctx, i2c.Transaction{
		Address: devices.ReceiverAddress,
		Mode:    i2c.WriteRead,
		Data:    []byte{cmdRxGetFrame},
		ReadLen: rxFrameHeader + rxMaxFrame,
	})
	if resp.Code != i2c.OK || len(resp.Data) < rxFrameHeader {
		return nil, false
	}
	n := int(resp.Data[0]) | int(resp.Data[1])<<8
	if n == 0 || len(resp.Data) < rxFrameHeader+n {
		return nil, false
	}
	raw := append([]byte(nil), resp.Data[rxFrameHeader:rxFrameHeader+n]...)
	rm := s.transfer(ctx, i2c.Transaction{Address: devices.ReceiverAddress, Mode: i2c.Write, Data: []byte{cmdRxRemoveFrame}})
	if rm.Code != i2c.OK {
		return nil, false
	}
	s.mu.Lock()
	s.rxFrames++
	s.mu.Unlock()
	return raw, true
}

func (s *Sim) handleUplink(ctx context.Context, raw []byte) {
	apid, payload, err := s.codec.ParseUplink(raw)
	if err != nil {
		s.logger.Warn("dropping uplink frame", "err", err)
		return
	}
	tc, err := frame.DecodeTelecommand(apid, payload)
	if err != nil {
		s.logger.Warn("dropping telecommand", "apid", apid, "err", err)
		return
	}
	s.logger.Debug("telecommand", "apid", apid, "type", fmt.Sprintf("%T", tc))
	s.handleTelecommand(ctx, tc)
}

func (s *Sim) handleTelecommand(ctx context.Context, tc frame.Telecommand) {
	switch t := tc.(type) {
	case frame.Ping:
		s.sendNext(ctx, frame.Frame{APID: frame.APIDPong, Payload: []byte("PONG")})
	case frame.SendBeacon:
		s.sendNext(ctx, frame.Frame{APID: frame.APIDBeacon, Payload: s.Beacon(ctx)})
	case frame.DownloadFile:
		s.downloadFile(ctx, t)
	case frame.ListFiles:
		s.listFiles(ctx, t)
	case frame.RemoveFile:
		s.removeFile(ctx, t)
	case frame.EnterIdleState:
		s.enterIdleState(ctx, t)
	case frame.SetBitrate:
		s.setBitrate(ctx, t)
	case frame.ResetTransmitter:
		resp := s.transfer(ctx, i2c.Transaction{Address: devices.TransmitterAddress, Mode: i2c.Write, Data: []byte{cmdCommReset}})
		if resp.Code != i2c.OK {
			s.logger.Warn("transmitter reset failed", "code", resp.Code)
		}
	}
}

// send puts one downlink frame into the transmitter.
func (s *Sim) send(ctx context.Context, f frame.Frame) bool {
	raw, err := s.codec.BuildDownlink(f)
	if err != nil {
		s.logger.Error("building downlink frame", "err", err, "frame", f)
		return false
	}
	return s.transmit(ctx, raw) == i2c.OK
}

// sendNext sends a single-frame response stamped with the next sequence
// number for its APID. Counters restart at zero on every boot.
func (s *Sim) sendNext(ctx context.Context, f frame.Frame) bool {
	s.mu.Lock()
	f.Seq = s.seq[f.APID] & frame.MaxSeq
	s.seq[f.APID]++
	s.mu.Unlock()
	return s.send(ctx, f)
}

func (s *Sim) transmit(ctx context.Context, raw []byte) i2c.FaultCode {
	resp := s.transfer(ctx, i2c.Transaction{
		Address: devices.TransmitterAddress,
		Mode:    i2c.WriteRead,
		Data:    append([]byte{cmdTxSendFrame}, raw...),
		ReadLen: 1,
	})
	if resp.Code != i2c.OK {
		s.logger.Warn("transmit failed", "code", resp.Code)
		return resp.Code
	}
	s.mu.Lock()
	s.txFrames++
	s.mu.Unlock()
	return i2c.OK
}

func (s *Sim) downloadFile(ctx context.Context, t frame.DownloadFile) {
	s.mu.Lock()
	content, ok := s.files[t.Path]
	s.mu.Unlock()
	if !ok {
		s.sendNext(ctx, frame.Frame{APID: frame.APIDFileNotFound, Payload: []byte(t.Path)})
		return
	}
	parts := frame.SplitBySize(content, frame.MaxPayload)
	for _, idx := range t.Parts {
		if int(idx) >= len(parts) {
			s.logger.Warn("requested part out of range", "path", t.Path, "part", idx, "parts", len(parts))
			continue
		}
		if !s.send(ctx, frame.Frame{APID: frame.APIDFileSend, Seq: idx, Payload: parts[idx]}) {
			return
		}
	}
}

func (s *Sim) listFiles(ctx context.Context, t frame.ListFiles) {
	names := s.dirEntries(t.Path)
	payload := []byte(strings.Join(names, "\n"))
	for i, part := range frame.SplitBySize(payload, frame.MaxPayload-1) {
		s.send(ctx, frame.Frame{APID: frame.APIDFileList, Seq: uint32(i), CorrelationID: frame.Corr(t.CorrelationID), Payload: part})
	}
}

// Remove status bytes.
const (
	removeOK       = 0x00
	removeNotFound = 0x01
)

func (s *Sim) removeFile(ctx context.Context, t frame.RemoveFile) {
	s.mu.Lock()
	_, ok := s.files[t.Path]
	delete(s.files, t.Path)
	s.mu.Unlock()
	status := byte(removeOK)
	if !ok {
		status = removeNotFound
	}
	s.sendNext(ctx, frame.Frame{
		APID:          frame.APIDFileRemove,
		CorrelationID: frame.Corr(t.CorrelationID),
		Payload:       append([]byte{status}, t.Path...),
	})
}

func (s *Sim) enterIdleState(ctx context.Context, t frame.EnterIdleState) {
	resp := s.transfer(ctx, i2c.Transaction{Address: devices.TransmitterAddress, Mode: i2c.Write, Data: []byte{cmdTxIdleState, 1}})
	if resp.Code != i2c.OK {
		s.sendNext(ctx, frame.Frame{APID: frame.APIDOperationError, CorrelationID: frame.Corr(t.CorrelationID)})
		return
	}
	s.sendNext(ctx, frame.Frame{APID: frame.APIDCommSuccess, CorrelationID: frame.Corr(t.CorrelationID)})

	d := time.Duration(t.Duration) * time.Second
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(d, func() {
		r := s.transfer(context.Background(), i2c.Transaction{Address: devices.TransmitterAddress, Mode: i2c.Write, Data: []byte{cmdTxIdleState, 0}})
		if r.Code != i2c.OK {
			s.logger.Warn("leaving idle state failed", "code", r.Code)
		}
	})
	s.mu.Unlock()
}

func (s *Sim) setBitrate(ctx context.Context, t frame.SetBitrate) {
	resp := s.transfer(ctx, i2c.Transaction{Address: devices.TransmitterAddress, Mode: i2c.Write, Data: []byte{cmdTxSetBitrate, t.Bitrate}})
	if resp.Code != i2c.OK {
		s.sendNext(ctx, frame.Frame{APID: frame.APIDOperationError, CorrelationID: frame.Corr(t.CorrelationID), Payload: []byte{t.Bitrate}})
		return
	}
	s.sendNext(ctx, frame.Frame{APID: frame.APIDSetBitrateSuccess, CorrelationID: frame.Corr(t.CorrelationID)})
}

// dirEntries lists the direct children of dir, sorted.
func (s *Sim) dirEntries(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	seen := make(map[string]bool)
	s.mu.Lock()
	for path := range s.files {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		seen[name] = true
	}
	s.mu.Unlock()
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WriteFile stores a file, as the terminal writeFile command does.
func (s *Sim) WriteFile(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), content...)
}
