package devices

import (
	"context"
	"sync"

	"obc-harness/internal/events"
	"obc-harness/internal/i2c"
)

// Shared transceiver commands.
const (
	commSoftwareReset = 0xAA
	commHardwareReset = 0xAB
)

// Receiver commands.
const (
	rxGetFrameCount = 0x21
	rxGetFrame      = 0x22
	rxRemoveFrame   = 0x24
)

// Transmitter commands.
const (
	txSendFrame    = 0x10
	txSetIdleState = 0x24
	txSetBitrate   = 0x28
	txGetState     = 0x41
)

// TransmitterBufferSize is the number of frames the transmitter reports it
// can accept.
const TransmitterBufferSize = 40

// Bitrate is the transmitter downlink rate code.
type Bitrate uint8

const (
	Bitrate1200 Bitrate = 1
	Bitrate2400 Bitrate = 2
	Bitrate4800 Bitrate = 4
	Bitrate9600 Bitrate = 8
)

// --- Receiver ---

// ReceivedFrame is one uplink frame sitting in the receiver buffer.
type ReceivedFrame struct {
	Data    []byte
	Doppler uint16
	RSSI    uint16
}

// Receiver models the uplink radio: the harness puts frames in, the
// firmware polls and pulls them out.
type Receiver struct {
	addr   i2c.Address
	events *events.Bus

	mu     sync.Mutex
	frames []ReceivedFrame
}

// NewReceiver creates the receiver at its default address.
func NewReceiver(bus *events.Bus) *Receiver {
	return &Receiver{addr: ReceiverAddress, events: bus}
}

func (r *Receiver) Address() i2c.Address { return r.addr }

// PutFrame queues an uplink frame for the firmware.
func (r *Receiver) PutFrame(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, ReceivedFrame{Data: append([]byte(nil), data...)})
}

// Pending returns the number of frames not yet removed by the firmware.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *Receiver) Handle(_ context.Context, tx i2c.Transaction) i2c.Result {
	res, ev := r.handle(tx)
	if ev != nil {
		r.events.Emit(*ev)
	}
	return res
}

func (r *Receiver) handle(tx i2c.Transaction) (i2c.Result, *events.Event) {
	cmd, _, ok := splitCommand(tx)
	if !ok {
		return i2c.Result{Fault: i2c.NAK}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch cmd {
	case rxGetFrameCount:
		return i2c.Reply(le16(uint16(len(r.frames)))), nil
	case rxGetFrame:
		if len(r.frames) == 0 {
			return i2c.Reply(make([]byte, 6)), nil
		}
		f := r.frames[0]
		out := make([]byte, 0, 6+len(f.Data))
		out = append(out, le16(uint16(len(f.Data)))...)
		out = append(out, le16(f.Doppler)...)
		out = append(out, le16(f.RSSI)...)
		out = append(out, f.Data...)
		return i2c.Reply(out), &events.Event{Type: events.ReceiverFrameRead, Data: len(f.Data)}
	case rxRemoveFrame:
		if len(r.frames) > 0 {
			r.frames = r.frames[1:]
		}
		return i2c.Result{}, nil
	case commSoftwareReset, commHardwareReset:
		r.frames = nil
		return i2c.Result{}, &events.Event{Type: events.ReceiverReset, Data: uint8(r.addr)}
	}
	return i2c.Result{Fault: i2c.NAK}, nil
}

// --- Transmitter ---

// TransmitterState is the data of events.TransmitterIdle,
// events.TransmitterBitrate and events.TransmitterReset.
type TransmitterState struct {
	Idle    bool    `json:"idle"`
	Bitrate Bitrate `json:"bitrate"`
}

// Transmitter models the downlink radio. Every frame the firmware sends is
// published as events.TransmitterFrame with the raw bytes as data.
type Transmitter struct {
	addr   i2c.Address
	events *events.Bus

	mu     sync.Mutex
	state  TransmitterState
	frames int
}

// NewTransmitter creates the transmitter at its default address.
func NewTransmitter(bus *events.Bus) *Transmitter {
	return &Transmitter{
		addr:   TransmitterAddress,
		events: bus,
		state:  TransmitterState{Bitrate: Bitrate1200},
	}
}

func (t *Transmitter) Address() i2c.Address { return t.addr }

// State returns the current idle flag and bitrate.
func (t *Transmitter) State() TransmitterState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// FramesSent returns the number of frames accepted since creation.
func (t *Transmitter) FramesSent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *Transmitter) Handle(_ context.Context, tx i2c.Transaction) i2c.Result {
	res, ev := t.handle(tx)
	if ev != nil {
		t.events.Emit(*ev)
	}
	return res
}

func (t *Transmitter) handle(tx i2c.Transaction) (i2c.Result, *events.Event) {
	cmd, args, ok := splitCommand(tx)
	if !ok {
		return i2c.Result{Fault: i2c.NAK}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch cmd {
	case txSendFrame:
		t.frames++
		frame := append([]byte(nil), args...)
		return i2c.Reply([]byte{TransmitterBufferSize}), &events.Event{Type: events.TransmitterFrame, Data: frame}
	case txSetIdleState:
		if len(args) < 1 {
			return i2c.Result{Fault: i2c.NAK}, nil
		}
		t.state.Idle = args[0] != 0
		return i2c.Result{}, &events.Event{Type: events.TransmitterIdle, Data: t.state}
	case txSetBitrate:
		if len(args) < 1 || !validBitrate(Bitrate(args[0])) {
			return i2c.Result{Fault: i2c.NAK}, nil
		}
		t.state.Bitrate = Bitrate(args[0])
		return i2c.Result{}, &events.Event{Type: events.TransmitterBitrate, Data: t.state}
	case txGetState:
		var b byte
		if t.state.Idle {
			b = 1
		}
		b |= byte(t.state.Bitrate) << 1
		return i2c.Reply([]byte{b}), nil
	case commSoftwareReset, commHardwareReset:
		t.state = TransmitterState{Bitrate: Bitrate1200}
		return i2c.Result{}, &events.Event{Type: events.TransmitterReset, Data: t.state}
	}
	return i2c.Result{Fault: i2c.NAK}, nil
}

func validBitrate(b Bitrate) bool {
	switch b {
	case Bitrate1200, Bitrate2400, Bitrate4800, Bitrate9600:
		return true
	}
	return false
}
