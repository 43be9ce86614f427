package devices

import (
	"context"
	"encoding/binary"
	"sync"

	"obc-harness/internal/events"
	"obc-harness/internal/i2c"
)

// Magnetorquer commands. Every command is answered with the command byte
// followed by a status byte.
const (
	imtqNoOp             = 0x02
	imtqCancelOperation  = 0x03
	imtqStartMeasurement = 0x04
	imtqActuationCurrent = 0x05
	imtqActuationDipole  = 0x06
	imtqSelfTest         = 0x08
	imtqBDotDetumbling   = 0x09
	imtqGetSystemState   = 0x41
	imtqGetCalibratedMTM = 0x43
	imtqSoftwareReset    = 0xAA
)

// Status byte values.
const (
	imtqAccepted     = 0x00
	imtqRejected     = 0x01
	imtqInvalidParam = 0x02
)

// Imtq modes.
const (
	ImtqIdle     = 0
	ImtqSelfTest = 1
	ImtqDetumble = 2
)

// ImtqCommand is the data of events.ImtqCommand.
type ImtqCommand struct {
	Command  uint8    `json:"command"`
	Vector   [3]int16 `json:"vector,omitempty"`
	Duration uint16   `json:"duration,omitempty"`
}

// Imtq models the magnetorquer board.
type Imtq struct {
	addr   i2c.Address
	events *events.Bus

	mu       sync.Mutex
	mode     uint8
	last     ImtqCommand
	mtm      [3]int32
	resets   int
	commands int
}

// NewImtq creates the magnetorquer at its default address.
func NewImtq(bus *events.Bus) *Imtq {
	return &Imtq{addr: ImtqAddress, events: bus}
}

func (m *Imtq) Address() i2c.Address { return m.addr }

// LastCommand returns the most recently accepted command.
func (m *Imtq) LastCommand() ImtqCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// SetMagnetometer sets the calibrated magnetometer reading (nT).
func (m *Imtq) SetMagnetometer(x, y, z int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mtm = [3]int32{x, y, z}
}

func (m *Imtq) Handle(_ context.Context, tx i2c.Transaction) i2c.Result {
	res, ev := m.handle(tx)
	if ev != nil {
		m.events.Emit(*ev)
	}
	return res
}

func (m *Imtq) handle(tx i2c.Transaction) (i2c.Result, *events.Event) {
	cmd, args, ok := splitCommand(tx)
	if !ok {
		return i2c.Result{Fault: i2c.NAK}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ack := func(status byte) i2c.Result { return i2c.Reply([]byte{cmd, status}) }
	record := func(c ImtqCommand) *events.Event {
		m.last = c
		m.commands++
		return &events.Event{Type: events.ImtqCommand, Data: c}
	}

	switch cmd {
	case imtqNoOp, imtqStartMeasurement:
		return ack(imtqAccepted), nil

	case imtqCancelOperation:
		m.mode = ImtqIdle
		return ack(imtqAccepted), record(ImtqCommand{Command: cmd})

	case imtqActuationCurrent, imtqActuationDipole:
		if len(args) != 8 {
			return ack(imtqInvalidParam), nil
		}
		c := ImtqCommand{Command: cmd, Duration: binary.LittleEndian.Uint16(args[6:8])}
		for i := range c.Vector {
			c.Vector[i] = int16(binary.LittleEndian.Uint16(args[2*i:]))
		}
		return ack(imtqAccepted), record(c)

	case imtqSelfTest:
		if m.mode == ImtqDetumble {
			return ack(imtqRejected), nil
		}
		m.mode = ImtqSelfTest
		return ack(imtqAccepted), record(ImtqCommand{Command: cmd})

	case imtqBDotDetumbling:
		if len(args) != 2 {
			return ack(imtqInvalidParam), nil
		}
		m.mode = ImtqDetumble
		return ack(imtqAccepted), record(ImtqCommand{Command: cmd, Duration: binary.LittleEndian.Uint16(args)})

	case imtqGetSystemState:
		// cmd | status | mode | error | configured | uptime u32 LE
		out := []byte{cmd, imtqAccepted, m.mode, 0, 0, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(out[5:], uint32(m.commands))
		return i2c.Reply(out), nil

	case imtqGetCalibratedMTM:
		// cmd | status | x,y,z i32 LE | coil actuation flag
		out := make([]byte, 2+12+1)
		out[0] = cmd
		for i, v := range m.mtm {
			binary.LittleEndian.PutUint32(out[2+4*i:], uint32(v))
		}
		return i2c.Reply(out), nil

	case imtqSoftwareReset:
		m.mode = ImtqIdle
		m.resets++
		return ack(imtqAccepted), record(ImtqCommand{Command: cmd})
	}
	return ack(imtqRejected), nil
}
